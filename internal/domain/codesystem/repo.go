package codesystem

import (
	"context"
)

// CodeSystemRepository stores canonical CodeSystem resources. GetByURL with an
// empty version returns the latest row for the url.
type CodeSystemRepository interface {
	Create(ctx context.Context, cs *CodeSystem) error
	GetByFHIRID(ctx context.Context, fhirID string) (*CodeSystem, error)
	GetByURL(ctx context.Context, url, version string) (*CodeSystem, error)
	List(ctx context.Context, limit, offset int) ([]*CodeSystem, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CodeSystem, int, error)
	All(ctx context.Context) ([]*CodeSystem, error)
}
