package provider

import (
	"sort"

	"github.com/fhirterm/fhirterm/internal/term"
)

// Prep collects provider-native filter specs for one include/exclude clause.
// One Prep belongs to one provider; the pipeline creates a fresh Prep per
// clause.
type Prep struct {
	specs []interface{}
}

// Add appends a provider-native filter spec.
func (p *Prep) Add(spec interface{}) { p.specs = append(p.specs, spec) }

// Specs returns the collected specs in append order.
func (p *Prep) Specs() []interface{} { return p.specs }

// Len returns the number of prepared filters.
func (p *Prep) Len() int { return len(p.specs) }

// Filter is a materialized filter result. Closed filters enumerate a finite
// membership; open filters support membership checks only.
type Filter interface {
	// Closed reports whether membership is finite and enumerable.
	Closed() bool
	// Size returns the membership count. Open filters return 0.
	Size() int
	// Iterator returns a deterministic cursor over members (code ascending).
	// Open filters fail with not-supported.
	Iterator() (Iterator, error)
	// Locate tests membership of a code, returning a handle or a diagnostic.
	Locate(code string) Located
	// Check tests membership of an already-located concept.
	Check(h Context) (bool, error)
}

// FiltersNotClosed reports whether any filter in the set is open.
func FiltersNotClosed(filters []Filter) bool {
	for _, f := range filters {
		if !f.Closed() {
			return true
		}
	}
	return false
}

// CodeSetFilter is the common closed-filter implementation: an explicit code
// set with deterministic iteration. Providers wrap their native results in
// one of these whenever membership is materializable.
type CodeSetFilter struct {
	provider Provider
	codes    []string
	members  map[string]bool
}

// NewCodeSetFilter builds a closed filter over the given codes. Iteration
// order is code ascending; duplicates collapse.
func NewCodeSetFilter(p Provider, codes []string) *CodeSetFilter {
	f := NewOrderedCodeSetFilter(p, codes)
	sort.Strings(f.codes)
	return f
}

// NewOrderedCodeSetFilter builds a closed filter preserving the given order
// (first occurrence wins). Used where the backing declares a meaningful
// sequence, such as LOINC answer lists.
func NewOrderedCodeSetFilter(p Provider, codes []string) *CodeSetFilter {
	members := make(map[string]bool, len(codes))
	uniq := make([]string, 0, len(codes))
	for _, c := range codes {
		if !members[c] {
			members[c] = true
			uniq = append(uniq, c)
		}
	}
	return &CodeSetFilter{provider: p, codes: uniq, members: members}
}

func (f *CodeSetFilter) Closed() bool { return true }
func (f *CodeSetFilter) Size() int    { return len(f.codes) }

func (f *CodeSetFilter) Iterator() (Iterator, error) {
	return &codeSetIterator{filter: f}, nil
}

func (f *CodeSetFilter) Locate(code string) Located {
	if !f.members[code] {
		return Located{Message: "Code '" + code + "' is not in the filtered set"}
	}
	return f.provider.Locate(code)
}

func (f *CodeSetFilter) Check(h Context) (bool, error) {
	code, err := f.provider.Code(h)
	if err != nil {
		return false, err
	}
	return f.members[code], nil
}

type codeSetIterator struct {
	filter *CodeSetFilter
	pos    int
}

func (it *codeSetIterator) Next() (Context, bool) {
	for it.pos < len(it.filter.codes) {
		code := it.filter.codes[it.pos]
		it.pos++
		located := it.filter.provider.Locate(code)
		if located.Found() {
			return located.Context, true
		}
	}
	return nil, false
}

func (it *codeSetIterator) Size() (int, bool) { return len(it.filter.codes), true }

func (it *codeSetIterator) Close() error { return nil }

// CheckFilter is the common open-filter implementation: membership is decided
// by a predicate over a located handle; size and iteration are unavailable.
type CheckFilter struct {
	provider  Provider
	predicate func(h Context) (bool, error)
}

// NewCheckFilter builds an open filter from a membership predicate.
func NewCheckFilter(p Provider, predicate func(h Context) (bool, error)) *CheckFilter {
	return &CheckFilter{provider: p, predicate: predicate}
}

func (f *CheckFilter) Closed() bool { return false }
func (f *CheckFilter) Size() int    { return 0 }

func (f *CheckFilter) Iterator() (Iterator, error) {
	return nil, term.NotSupported("open filters cannot be iterated")
}

func (f *CheckFilter) Locate(code string) Located {
	located := f.provider.Locate(code)
	if !located.Found() {
		return located
	}
	ok, err := f.predicate(located.Context)
	if err != nil {
		return Located{Message: err.Error()}
	}
	if !ok {
		return Located{Message: "Code '" + code + "' does not match the filter"}
	}
	return located
}

func (f *CheckFilter) Check(h Context) (bool, error) {
	return f.predicate(h)
}
