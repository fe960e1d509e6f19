package provider

import (
	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// NoHierarchy supplies the flat-system defaults for providers without a
// concept hierarchy. Embed and override nothing.
type NoHierarchy struct{}

func (NoHierarchy) HasParents() bool           { return false }
func (NoHierarchy) Parent(code string) string  { return "" }

// LocateIsA on a flat system always reports the absence of a hierarchy.
func (NoHierarchy) LocateIsA(child, parent string, disallowSelf bool) Located {
	return Located{Message: "The code system does not have parents"}
}

// NoIteration supplies defaults for providers too large or unbounded to
// enumerate.
type NoIteration struct{}

func (NoIteration) Iterator(h Context) (Iterator, error) {
	return nil, term.NotSupported("iteration is not supported for this code system")
}

func (NoIteration) IteratorAll() (Iterator, error) {
	return nil, term.NotSupported("iteration is not supported for this code system")
}

// NoFilters supplies defaults for providers with no native filters.
type NoFilters struct{}

func (NoFilters) DoesFilter(property string, op term.FilterOperator, value string) bool {
	return false
}

func (NoFilters) BuildFilter(prep *Prep, property string, op term.FilterOperator, value string) error {
	return term.NotSupported("the filter (%s %s %s) is not supported", property, op, value)
}

func (NoFilters) ExecuteFilters(ctx *opctx.OperationContext, prep *Prep) ([]Filter, error) {
	return nil, nil
}

// NoConceptMetadata supplies empty concept-level metadata defaults.
type NoConceptMetadata struct{}

func (NoConceptMetadata) IsAbstract(h Context) bool                { return false }
func (NoConceptMetadata) IsInactive(h Context) bool                { return false }
func (NoConceptMetadata) IsDeprecated(h Context) bool              { return false }
func (NoConceptMetadata) Status(h Context) string                  { return "" }
func (NoConceptMetadata) ItemWeight(h Context) string              { return "" }
func (NoConceptMetadata) Properties(h Context) ([]Property, error) { return nil, nil }

// NoSupplements is for providers that never carry supplements.
type NoSupplements struct{}

func (NoSupplements) ListSupplements() []string { return nil }

// SliceIterator iterates an in-memory slice of handles.
type SliceIterator struct {
	items []Context
	pos   int
}

// NewSliceIterator wraps handles in a single-pass cursor.
func NewSliceIterator(items []Context) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) Next() (Context, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	h := it.items[it.pos]
	it.pos++
	return h, true
}

func (it *SliceIterator) Size() (int, bool) { return len(it.items), true }

func (it *SliceIterator) Close() error { return nil }

// WrongHandle builds the type error for a foreign handle passed to a
// provider accessor.
func WrongHandle(system string, h Context) error {
	tag := "<nil>"
	if h != nil {
		tag = h.Tag()
	}
	return term.Invalid("Wrong context handle type %q passed to the %s provider", tag, system)
}
