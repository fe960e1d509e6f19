package conceptmap

import (
	"context"
)

// ConceptMapRepository stores canonical ConceptMap resources.
type ConceptMapRepository interface {
	Create(ctx context.Context, cm *ConceptMap) error
	GetByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error)
	GetByURL(ctx context.Context, url, version string) (*ConceptMap, error)
	List(ctx context.Context, limit, offset int) ([]*ConceptMap, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error)
	All(ctx context.Context) ([]*ConceptMap, error)
}
