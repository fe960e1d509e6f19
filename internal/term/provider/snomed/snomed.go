// Package snomed implements the SNOMED CT provider over a precompiled SQLite
// cache: full multi-parent hierarchy, multilingual descriptions, reference set
// membership, concept-model attributes, and ECL expression filters.
package snomed

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/ecl"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical SNOMED CT system.
const SystemURI = "http://snomed.info/sct"

const (
	handleTag = "sct"

	fsnTypeID     = "900000000000003001"
	synonymTypeID = "900000000000013009"
)

// Provider serves SNOMED CT from a read-only cache database.
type Provider struct {
	provider.NoSupplements

	store       *store
	version     string
	description string
	total       int

	// WildcardCap bounds ECL wildcard evaluation; 0 uses the engine default.
	WildcardCap int
}

// New builds a provider over an opened cache database. The version and
// description come from the cache metadata table.
func New(db *sql.DB) (*Provider, error) {
	s := &store{db: db}
	version := s.metadata("version")
	if version == "" {
		return nil, term.Invalid("snomed cache has no version metadata")
	}
	description := s.metadata("description")
	if description == "" {
		description = "SNOMED CT"
	}
	return &Provider{
		store:       s,
		version:     version,
		description: description,
		total:       s.totalCount(),
	}, nil
}

type sctContext struct {
	id string
}

func (c *sctContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*sctContext, error) {
	ctx, ok := h.(*sctContext)
	if !ok {
		return nil, provider.WrongHandle("SNOMED CT", h)
	}
	return ctx, nil
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return p.description }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) HasParents() bool              { return true }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	if langs.IsEmpty() {
		return true
	}
	available, err := p.store.queryStrings(`SELECT DISTINCT lang FROM descriptions WHERE active = 1`)
	if err != nil {
		return false
	}
	for _, l := range available {
		if langs.Matches(l) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Concept access
// ---------------------------------------------------------------------------

func (p *Provider) Locate(code string) provider.Located {
	if strings.TrimSpace(code) == "" {
		return provider.Located{Message: "Empty code"}
	}
	ok, err := p.store.ConceptExists(code)
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	if !ok {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in SNOMED CT version '%s'", code, p.version)}
	}
	return provider.Located{Context: &sctContext{id: code}}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.id, nil
}

type description struct {
	term      string
	typeID    string
	lang      string
	preferred bool
}

func (p *Provider) descriptions(id string) ([]description, error) {
	rows, err := p.store.db.Query(
		`SELECT term, type_id, lang, preferred FROM descriptions
		 WHERE concept_id = ? AND active = 1 ORDER BY preferred DESC, term`, id)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	defer rows.Close()
	var out []description
	for rows.Next() {
		var d description
		if err := rows.Scan(&d.term, &d.typeID, &d.lang, &d.preferred); err != nil {
			return nil, term.NewError(term.KindTransport, "snomed cache scan failed: %v", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Display picks the preferred synonym in the best matching language, falling
// back through any synonym, the FSN, and finally the code itself.
func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	descs, err := p.descriptions(ctx.id)
	if err != nil {
		return "", err
	}
	pick := func(match func(description) bool) string {
		for _, d := range descs {
			if match(d) {
				return d.term
			}
		}
		return ""
	}
	if !langs.IsEmpty() {
		if t := pick(func(d description) bool {
			return d.typeID == synonymTypeID && d.preferred && langs.Matches(d.lang)
		}); t != "" {
			return t, nil
		}
		if t := pick(func(d description) bool {
			return d.typeID == synonymTypeID && langs.Matches(d.lang)
		}); t != "" {
			return t, nil
		}
	}
	if t := pick(func(d description) bool { return d.typeID == synonymTypeID && d.preferred }); t != "" {
		return t, nil
	}
	if t := pick(func(d description) bool { return d.typeID == synonymTypeID }); t != "" {
		return t, nil
	}
	if t := pick(func(d description) bool { return d.typeID == fsnTypeID }); t != "" {
		return t, nil
	}
	return ctx.id, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	descs, err := p.descriptions(ctx.id)
	if err != nil {
		return err
	}
	for _, d := range descs {
		out.Add(term.Designation{
			Language:  d.lang,
			UseCode:   d.typeID,
			UseSystem: SystemURI,
			Value:     d.term,
		})
	}
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool { return false }

func (p *Provider) IsInactive(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	var active int
	if err := p.store.db.QueryRow(`SELECT active FROM concepts WHERE id = ?`, ctx.id).Scan(&active); err != nil {
		return false
	}
	return active == 0
}

func (p *Provider) IsDeprecated(h provider.Context) bool { return false }

func (p *Provider) Status(h provider.Context) string {
	if p.IsInactive(h) {
		return "inactive"
	}
	return "active"
}

func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	var (
		active        int
		effectiveTime string
		moduleID      string
	)
	err = p.store.db.QueryRow(
		`SELECT active, effective_time, module_id FROM concepts WHERE id = ?`, ctx.id).
		Scan(&active, &effectiveTime, &moduleID)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	props := []provider.Property{
		{Code: "inactive", Type: "boolean", Value: active == 0},
		{Code: "moduleId", Type: "code", Value: moduleID},
		{Code: "effectiveTime", Type: "string", Value: effectiveTime},
	}
	parents, err := p.store.Parents(ctx.id)
	if err != nil {
		return nil, err
	}
	for _, parent := range parents {
		props = append(props, provider.Property{Code: "parent", Type: "code", Value: parent})
	}
	return props, nil
}

func (p *Provider) Parent(code string) string {
	parents, err := p.store.Parents(code)
	if err != nil || len(parents) == 0 {
		return ""
	}
	return parents[0]
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.id == cb.id
}

func (p *Provider) LocateIsA(child, parent string, disallowSelf bool) provider.Located {
	childLoc := p.Locate(child)
	if !childLoc.Found() {
		return childLoc
	}
	if parentLoc := p.Locate(parent); !parentLoc.Found() {
		return parentLoc
	}
	if child == parent {
		if disallowSelf {
			return provider.Located{Message: fmt.Sprintf("Code '%s' is the same as '%s', not a descendant", child, parent)}
		}
		return childLoc
	}
	isa, err := p.store.IsA(child, parent)
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	if !isa {
		return provider.Located{Message: fmt.Sprintf("Code '%s' is not a descendant of '%s'", child, parent)}
	}
	return childLoc
}

func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	for _, code := range []string{a, b} {
		ok, err := p.store.ConceptExists(code)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", term.NotFound("Unknown code '%s' in SNOMED CT version '%s'", code, p.version)
		}
	}
	if a == b {
		return term.Equivalent, nil
	}
	if isa, err := p.store.IsA(b, a); err != nil {
		return "", err
	} else if isa {
		return term.Subsumes, nil
	}
	if isa, err := p.store.IsA(a, b); err != nil {
		return "", err
	} else if isa {
		return term.SubsumedBy, nil
	}
	return term.NotSubsumed, nil
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

func (p *Provider) contexts(ids []string) []provider.Context {
	out := make([]provider.Context, len(ids))
	for i, id := range ids {
		out[i] = &sctContext{id: id}
	}
	return out
}

func (p *Provider) Iterator(h provider.Context) (provider.Iterator, error) {
	if h == nil {
		roots, err := p.store.queryStrings(
			`SELECT id FROM concepts
			 WHERE active = 1 AND id NOT IN (SELECT child_id FROM hierarchy)
			 ORDER BY id`)
		if err != nil {
			return nil, err
		}
		return provider.NewSliceIterator(p.contexts(roots)), nil
	}
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	children, err := p.store.Children(ctx.id)
	if err != nil {
		return nil, err
	}
	return provider.NewSliceIterator(p.contexts(children)), nil
}

func (p *Provider) IteratorAll() (provider.Iterator, error) {
	rows, err := p.store.db.Query(`SELECT id FROM concepts WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	return &rowIterator{rows: rows, size: p.total}, nil
}

// rowIterator streams concept ids straight off a database cursor; the full
// concept table never materializes in memory.
type rowIterator struct {
	rows *sql.Rows
	size int
	done bool
}

func (it *rowIterator) Next() (provider.Context, bool) {
	if it.done {
		return nil, false
	}
	if !it.rows.Next() {
		it.done = true
		it.rows.Close()
		return nil, false
	}
	var id string
	if err := it.rows.Scan(&id); err != nil {
		it.done = true
		it.rows.Close()
		return nil, false
	}
	return &sctContext{id: id}, true
}

func (it *rowIterator) Size() (int, bool) { return it.size, true }

func (it *rowIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	return it.rows.Close()
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type conceptFilterSpec struct {
	op    term.FilterOperator
	value string
}

type expressionFilterSpec struct {
	expression string
}

type refsetFilterSpec struct {
	refsets []string
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	switch property {
	case "concept":
		switch op {
		case term.OpEquals, term.OpIsA, term.OpDescendentOf, term.OpIn:
			return true
		}
	case "expression", "constraint":
		return op == term.OpEquals
	case "refset":
		return op == term.OpEquals || op == term.OpIn
	}
	return false
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	switch property {
	case "concept":
		switch op {
		case term.OpEquals, term.OpIsA, term.OpDescendentOf, term.OpIn:
			prep.Add(&conceptFilterSpec{op: op, value: value})
			return nil
		}
	case "expression", "constraint":
		if op == term.OpEquals {
			prep.Add(&expressionFilterSpec{expression: value})
			return nil
		}
	case "refset":
		if op == term.OpEquals || op == term.OpIn {
			prep.Add(&refsetFilterSpec{refsets: splitList(value)})
			return nil
		}
	}
	return term.NotSupported("the filter (%s %s %s) is not supported by SNOMED CT", property, op, value)
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("snomed.executeFilters"); err != nil {
			return nil, err
		}
		var codes []string
		var err error
		switch spec := raw.(type) {
		case *conceptFilterSpec:
			codes, err = p.conceptFilterCodes(spec)
		case *expressionFilterSpec:
			codes, err = p.EvaluateExpression(ctx, spec.expression)
		case *refsetFilterSpec:
			for _, refset := range spec.refsets {
				members, merr := p.store.RefsetMembers(refset)
				if merr != nil {
					err = merr
					break
				}
				codes = append(codes, members...)
			}
		default:
			err = term.Invalid("foreign filter spec passed to SNOMED CT")
		}
		if err != nil {
			return nil, err
		}
		filters = append(filters, provider.NewCodeSetFilter(p, codes))
	}
	return filters, nil
}

func (p *Provider) conceptFilterCodes(spec *conceptFilterSpec) ([]string, error) {
	requireConcept := func(code string) error {
		ok, err := p.store.ConceptExists(code)
		if err != nil {
			return err
		}
		if !ok {
			return term.NotFound("Unknown code '%s' in SNOMED CT version '%s'", code, p.version)
		}
		return nil
	}
	switch spec.op {
	case term.OpEquals:
		if err := requireConcept(spec.value); err != nil {
			return nil, err
		}
		return []string{spec.value}, nil
	case term.OpIn:
		var codes []string
		for _, code := range splitList(spec.value) {
			if err := requireConcept(code); err != nil {
				return nil, err
			}
			codes = append(codes, code)
		}
		return codes, nil
	case term.OpIsA:
		if err := requireConcept(spec.value); err != nil {
			return nil, err
		}
		descendants, err := p.store.Descendants(spec.value)
		if err != nil {
			return nil, err
		}
		return append(descendants, spec.value), nil
	case term.OpDescendentOf:
		if err := requireConcept(spec.value); err != nil {
			return nil, err
		}
		return p.store.Descendants(spec.value)
	}
	return nil, term.NotSupported("the filter (concept %s %s) is not supported by SNOMED CT", spec.op, spec.value)
}

// EvaluateExpression parses, term-validates, and evaluates an ECL expression
// against the cache, returning the matching codes.
func (p *Provider) EvaluateExpression(ctx *opctx.OperationContext, expression string) ([]string, error) {
	res := ecl.Parse(expression)
	if !res.Success {
		return nil, term.Invalid("Invalid ECL expression: %s", res.Errors[0].Error())
	}
	problems, err := ecl.ValidateTerms(p.store, res.AST)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, term.Invalid("%s", strings.Join(problems, "; "))
	}
	ev := &ecl.Evaluator{Store: p.store, WildcardCap: p.WildcardCap}
	return ev.Evaluate(ctx, res.AST)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
