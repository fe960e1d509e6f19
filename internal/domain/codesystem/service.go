package codesystem

import (
	"context"
	"fmt"
)

type Service struct {
	repo CodeSystemRepository
}

func NewService(repo CodeSystemRepository) *Service {
	return &Service{repo: repo}
}

var validCodeSystemStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

var validContentValues = map[string]bool{
	"not-present": true, "example": true, "fragment": true, "complete": true, "supplement": true,
}

func (s *Service) CreateCodeSystem(ctx context.Context, cs *CodeSystem) error {
	if cs.URL == "" {
		return fmt.Errorf("url is required")
	}
	if cs.Content == "" {
		cs.Content = "complete"
	}
	if !validContentValues[cs.Content] {
		return fmt.Errorf("invalid content: %s", cs.Content)
	}
	if cs.Status == "" {
		cs.Status = "active"
	}
	if !validCodeSystemStatuses[cs.Status] {
		return fmt.Errorf("invalid status: %s", cs.Status)
	}
	return s.repo.Create(ctx, cs)
}

func (s *Service) GetCodeSystemByFHIRID(ctx context.Context, fhirID string) (*CodeSystem, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) GetCodeSystemByURL(ctx context.Context, url, version string) (*CodeSystem, error) {
	return s.repo.GetByURL(ctx, url, version)
}

func (s *Service) SearchCodeSystems(ctx context.Context, params map[string]string, limit, offset int) ([]*CodeSystem, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) AllCodeSystems(ctx context.Context) ([]*CodeSystem, error) {
	return s.repo.All(ctx)
}
