package worker

import (
	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/expand"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// ExpandRequest carries the $expand inputs: the target ValueSet by canonical
// URL or inline, plus the normalized expansion parameters.
type ExpandRequest struct {
	URL      string
	ValueSet map[string]interface{}
	Params   expand.Parameters
}

// Expand resolves the ValueSet and runs the expansion pipeline.
func (w *Worker) Expand(ctx *opctx.OperationContext, req ExpandRequest) (map[string]interface{}, error) {
	vs := req.ValueSet
	if vs == nil {
		if req.URL == "" {
			return nil, term.Invalid("$expand requires a url or a ValueSet resource")
		}
		resolved, ok := w.resolveResource(ctx, "ValueSet", req.URL, "")
		if !ok {
			return nil, term.NotFound("Unknown ValueSet '%s'", req.URL)
		}
		vs = resolved
	}
	if err := ctx.DeadCheck("worker.expand"); err != nil {
		return nil, err
	}
	return w.expander(ctx).Expand(ctx, vs, req.Params)
}
