package valueset

import (
	"context"
)

// ValueSetRepository stores canonical ValueSet resources. GetByURL with an
// empty version returns the latest row for the url.
type ValueSetRepository interface {
	Create(ctx context.Context, vs *ValueSet) error
	GetByFHIRID(ctx context.Context, fhirID string) (*ValueSet, error)
	GetByURL(ctx context.Context, url, version string) (*ValueSet, error)
	List(ctx context.Context, limit, offset int) ([]*ValueSet, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ValueSet, int, error)
	All(ctx context.Context) ([]*ValueSet, error)
}
