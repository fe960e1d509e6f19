// Package term holds the shared vocabulary of the terminology core: concept
// identity, designations, subsumption outcomes, content modes, and the typed
// error taxonomy every provider and worker reports through.
package term

import "strings"

// Coding identifies a concept by (system, version, code). Version is optional
// and provider-specific; codes are opaque to the pipeline.
type Coding struct {
	System  string
	Version string
	Code    string
	Display string
}

// Key returns the deduplication key for an expansion: system + code.
// Version is deliberately excluded; the same concept in two versions of one
// system yields one expansion entry.
func (c Coding) Key() string {
	return c.System + "|" + c.Code
}

// Designation binds a language tag and an optional use code to a display value.
type Designation struct {
	Language string
	UseCode  string // empty when no use is declared
	UseSystem string
	Value    string
}

// DesignationSet accumulates designations for one concept: the concept's own
// display, local synonyms, and supplement contributions, in registration order.
type DesignationSet struct {
	items []Designation
}

// Add appends a designation. Duplicates are retained; selection tie-breaks
// favour the earliest entry.
func (s *DesignationSet) Add(d Designation) {
	s.items = append(s.items, d)
}

// All returns the designations in insertion order.
func (s *DesignationSet) All() []Designation {
	return s.items
}

// Len returns the number of collected designations.
func (s *DesignationSet) Len() int {
	return len(s.items)
}

// BestForLanguages picks the designation whose language best matches the
// ordered preference list. Falls back to the first designation when nothing
// matches. Returns false when the set is empty.
func (s *DesignationSet) BestForLanguages(prefs []string) (Designation, bool) {
	if len(s.items) == 0 {
		return Designation{}, false
	}
	for _, pref := range prefs {
		for _, d := range s.items {
			if LanguageMatches(pref, d.Language) {
				return d, true
			}
		}
	}
	return s.items[0], true
}

// LanguageMatches reports whether a designation language satisfies a requested
// tag. A bare primary tag ("de") matches any region/script variant ("de-CH");
// a regioned request ("de-CH") requires the region when the candidate has one.
func LanguageMatches(requested, candidate string) bool {
	if requested == "" || candidate == "" {
		return requested == candidate
	}
	rq := strings.ToLower(requested)
	cd := strings.ToLower(candidate)
	if rq == cd {
		return true
	}
	rqParts := strings.Split(rq, "-")
	cdParts := strings.Split(cd, "-")
	if rqParts[0] != cdParts[0] {
		return false
	}
	// Primary-only request matches any variant of that language.
	if len(rqParts) == 1 {
		return true
	}
	// Primary-only candidate satisfies a regioned request.
	if len(cdParts) == 1 {
		return true
	}
	// Both carry subtags: every requested subtag must appear in the candidate.
	for _, sub := range rqParts[1:] {
		found := false
		for _, have := range cdParts[1:] {
			if sub == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SubsumptionOutcome is the result of a $subsumes test.
type SubsumptionOutcome string

const (
	Equivalent  SubsumptionOutcome = "equivalent"
	Subsumes    SubsumptionOutcome = "subsumes"
	SubsumedBy  SubsumptionOutcome = "subsumed-by"
	NotSubsumed SubsumptionOutcome = "not-subsumed"
)

// ContentMode mirrors CodeSystem.content.
type ContentMode string

const (
	ContentComplete   ContentMode = "complete"
	ContentFragment   ContentMode = "fragment"
	ContentExample    ContentMode = "example"
	ContentNotPresent ContentMode = "not-present"
	ContentSupplement ContentMode = "supplement"
)

// FilterOperator enumerates ValueSet compose filter operators.
type FilterOperator string

const (
	OpEquals       FilterOperator = "="
	OpIsA          FilterOperator = "is-a"
	OpIsNotA       FilterOperator = "is-not-a"
	OpDescendentOf FilterOperator = "descendent-of"
	OpIn           FilterOperator = "in"
	OpNotIn        FilterOperator = "not-in"
	OpRegex        FilterOperator = "regex"
	OpExists       FilterOperator = "exists"
	OpGeneralizes  FilterOperator = "generalizes"
)

// ConceptStatus is provider-neutral concept status metadata.
type ConceptStatus struct {
	Inactive   bool
	Deprecated bool
	Status     string // raw provider status when available
}
