package valueset

import (
	"context"
	"fmt"
)

type Service struct {
	repo ValueSetRepository
}

func NewService(repo ValueSetRepository) *Service {
	return &Service{repo: repo}
}

var validValueSetStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

func (s *Service) CreateValueSet(ctx context.Context, vs *ValueSet) error {
	if vs.URL == "" {
		return fmt.Errorf("url is required")
	}
	if vs.Status == "" {
		vs.Status = "active"
	}
	if !validValueSetStatuses[vs.Status] {
		return fmt.Errorf("invalid status: %s", vs.Status)
	}
	return s.repo.Create(ctx, vs)
}

func (s *Service) GetValueSetByFHIRID(ctx context.Context, fhirID string) (*ValueSet, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetValueSetByURL(ctx context.Context, url, version string) (*ValueSet, error) {
	return s.repo.GetByURL(ctx, url, version)
}

func (s *Service) SearchValueSets(ctx context.Context, params map[string]string, limit, offset int) ([]*ValueSet, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) AllValueSets(ctx context.Context) ([]*ValueSet, error) {
	return s.repo.All(ctx)
}
