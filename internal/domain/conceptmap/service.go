package conceptmap

import (
	"context"
	"fmt"
)

type Service struct {
	repo ConceptMapRepository
}

func NewService(repo ConceptMapRepository) *Service {
	return &Service{repo: repo}
}

var validConceptMapStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

func (s *Service) CreateConceptMap(ctx context.Context, cm *ConceptMap) error {
	if cm.URL == "" {
		return fmt.Errorf("url is required")
	}
	if cm.Status == "" {
		cm.Status = "active"
	}
	if !validConceptMapStatuses[cm.Status] {
		return fmt.Errorf("invalid status: %s", cm.Status)
	}
	return s.repo.Create(ctx, cm)
}

func (s *Service) GetConceptMapByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetConceptMapByURL(ctx context.Context, url, version string) (*ConceptMap, error) {
	return s.repo.GetByURL(ctx, url, version)
}

func (s *Service) SearchConceptMaps(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) AllConceptMaps(ctx context.Context) ([]*ConceptMap, error) {
	return s.repo.All(ctx)
}
