// Package provider defines the uniform capability surface every code system
// backend exposes, the opaque concept-handle model, the cursor contract for
// iteration, and the filter-engine contracts the expansion pipeline drives.
package provider

import (
	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// Context is an opaque, provider-owned handle for a located concept. Each
// provider keeps its concrete context type private and recognises foreign
// handles by tag, never by structural introspection. Handles are scoped to a
// single operation and must not cross requests.
type Context interface {
	// Tag returns the owning provider's handle tag.
	Tag() string
}

// Located is the result of Locate: a handle when the code exists, otherwise a
// human-readable diagnostic. Concept-not-found is reported, not thrown.
type Located struct {
	Context Context
	Message string
	// Err carries a hard failure (remote validator unreachable, database
	// error) that must propagate instead of reading as "code not found".
	Err error
}

// Found reports whether the code resolved to a handle.
func (l Located) Found() bool { return l.Context != nil }

// Property is one concept-level property value.
type Property struct {
	Code  string
	Type  string // code, string, integer, decimal, boolean, Coding
	Value interface{}
}

// Iterator is a single-pass, non-restartable cursor over concepts. The
// backing may be an array slice, a DB cursor, or a generator; exhausted
// cursors keep returning ok=false. Callers that may abandon a cursor before
// exhaustion must Close it, or a DB-backed cursor leaks its rows.
type Iterator interface {
	// Next advances and returns the next handle, or ok=false at exhaustion.
	Next() (Context, bool)
	// Size returns the total count when known.
	Size() (int, bool)
	// Close releases the backing cursor. Safe to call more than once and
	// after exhaustion.
	Close() error
}

// Provider is the uniform polymorphic contract over heterogeneous code
// systems. Accessors other than Locate and LocateIsA fail with a not-found
// error on unknown codes and a type error on foreign handles.
type Provider interface {
	// -- metadata --

	System() string
	Version() string
	Description() string
	TotalCount() int
	HasParents() bool
	ContentMode() term.ContentMode
	// HasAnyDisplays reports whether any display or designation would match
	// the given language preferences.
	HasAnyDisplays(langs lang.Languages) bool
	// ListSupplements returns "url|version" identifiers of the supplements
	// bound to this provider at construction.
	ListSupplements() []string

	// -- concept access --

	// Locate resolves a code. Empty codes yield an "Empty code" diagnostic.
	Locate(code string) Located
	Code(h Context) (string, error)
	Display(h Context, langs lang.Languages) (string, error)
	// Designations appends the base display, local designations, and matching
	// supplement designations to out.
	Designations(h Context, out *term.DesignationSet) error
	IsAbstract(h Context) bool
	IsInactive(h Context) bool
	IsDeprecated(h Context) bool
	Status(h Context) string
	// ItemWeight returns the ordinal itemWeight extension value, or "".
	ItemWeight(h Context) string
	Properties(h Context) ([]Property, error)
	// Parent returns the (first) parent code, or "" for roots and flat
	// systems.
	Parent(code string) string
	SameConcept(a, b Context) bool
	// LocateIsA returns a handle when child is a descendant of parent (or the
	// same concept unless disallowSelf); otherwise a diagnostic.
	LocateIsA(child, parent string, disallowSelf bool) Located
	SubsumesTest(a, b string) (term.SubsumptionOutcome, error)

	// -- iteration --

	// Iterator yields root concepts for a nil handle, or the direct children
	// of the handle otherwise.
	Iterator(h Context) (Iterator, error)
	// IteratorAll yields every concept in the system.
	IteratorAll() (Iterator, error)

	// -- filtering --

	// DoesFilter reports whether (property, op, value) is supported.
	DoesFilter(property string, op term.FilterOperator, value string) bool
	// BuildFilter appends a provider-native filter to the prep context, or
	// fails with not-supported / invalid.
	BuildFilter(prep *Prep, property string, op term.FilterOperator, value string) error
	// ExecuteFilters materializes every prepared filter.
	ExecuteFilters(ctx *opctx.OperationContext, prep *Prep) ([]Filter, error)
}

// ExpressionEvaluator is implemented by providers that evaluate expression
// filters (the SNOMED ECL hook).
type ExpressionEvaluator interface {
	// EvaluateExpression resolves an expression to a closed set of codes.
	EvaluateExpression(ctx *opctx.OperationContext, expression string) ([]string, error)
}

// Comparable is implemented by providers that can test unit comparability
// (UCUM).
type Comparable interface {
	Comparable(a, b string) (bool, error)
}
