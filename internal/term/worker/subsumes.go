package worker

import (
	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// SubsumesRequest carries the $subsumes inputs: one system and two codes.
// Codings with their own systems must agree with each other.
type SubsumesRequest struct {
	System  string
	Version string
	CodeA   string
	CodeB   string
}

// Subsumes tests the subsumption relationship between two codes.
func (w *Worker) Subsumes(ctx *opctx.OperationContext, req SubsumesRequest) (term.SubsumptionOutcome, error) {
	if req.System == "" {
		return "", term.Invalid("A system is required for $subsumes")
	}
	if req.CodeA == "" || req.CodeB == "" {
		return "", term.Invalid("$subsumes requires codeA and codeB")
	}
	if err := ctx.DeadCheck("worker.subsumes"); err != nil {
		return "", err
	}
	prov, err := w.providerFor(ctx, req.System, req.Version)
	if err != nil {
		return "", err
	}
	return prov.SubsumesTest(req.CodeA, req.CodeB)
}
