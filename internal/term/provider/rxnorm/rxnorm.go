// Package rxnorm implements the RxNorm provider over the importer's SQLite
// database: term-type (TTY), source-vocabulary (SAB), semantic-type (STY) and
// relationship (REL/RELA) filters, plus stem-token text search. Archived
// concepts surface as deprecated. Every filter closes over a finite set.
package rxnorm

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical RxNorm system.
const SystemURI = "http://www.nlm.nih.gov/research/umls/rxnorm"

const handleTag = "rxnorm"

// Provider serves RxNorm from a read-only database.
//
// Database schema (importer output):
//
//	rxcuis(rxcui, name, tty, archived)
//	sabs(rxcui, sab)
//	stys(rxcui, sty)
//	relationships(rxcui1, rel, rela, rxcui2)
//	stems(stem, rxcui)
//	metadata(key, value)
type Provider struct {
	provider.NoHierarchy
	provider.NoSupplements

	db      *sql.DB
	version string
	total   int
}

// New builds a provider over an opened database.
func New(db *sql.DB) (*Provider, error) {
	p := &Provider{db: db}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'version'`).Scan(&p.version); err != nil {
		return nil, term.Invalid("rxnorm database has no version metadata")
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM rxcuis`).Scan(&p.total); err != nil {
		return nil, term.NewError(term.KindTransport, "rxnorm database unreadable: %v", err)
	}
	return p, nil
}

type rxContext struct {
	rxcui    string
	name     string
	tty      string
	archived bool
}

func (c *rxContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*rxContext, error) {
	ctx, ok := h.(*rxContext)
	if !ok {
		return nil, provider.WrongHandle("RxNorm", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return "RxNorm " + p.version }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	if strings.TrimSpace(code) == "" {
		return provider.Located{Message: "Empty code"}
	}
	ctx := &rxContext{rxcui: code}
	var archived int
	err := p.db.QueryRow(
		`SELECT name, tty, archived FROM rxcuis WHERE rxcui = ?`, code).
		Scan(&ctx.name, &ctx.tty, &archived)
	if err == sql.ErrNoRows {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in RxNorm version '%s'", code, p.version)}
	}
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	ctx.archived = archived != 0
	return provider.Located{Context: ctx}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.rxcui, nil
}

func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.name, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	out.Add(term.Designation{Language: "en", UseCode: "display", Value: ctx.name})
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool { return false }

func (p *Provider) IsInactive(h provider.Context) bool { return p.IsDeprecated(h) }

func (p *Provider) IsDeprecated(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	return ctx.archived
}

func (p *Provider) Status(h provider.Context) string {
	if p.IsDeprecated(h) {
		return "archived"
	}
	return "active"
}

func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	props := []provider.Property{
		{Code: "TTY", Type: "code", Value: ctx.tty},
	}
	sabs, err := p.queryCodes(`SELECT sab FROM sabs WHERE rxcui = ? ORDER BY sab`, ctx.rxcui)
	if err != nil {
		return nil, err
	}
	for _, sab := range sabs {
		props = append(props, provider.Property{Code: "SAB", Type: "code", Value: sab})
	}
	stys, err := p.queryCodes(`SELECT sty FROM stys WHERE rxcui = ? ORDER BY sty`, ctx.rxcui)
	if err != nil {
		return nil, err
	}
	for _, sty := range stys {
		props = append(props, provider.Property{Code: "STY", Type: "string", Value: sty})
	}
	if ctx.archived {
		props = append(props, provider.Property{Code: "inactive", Type: "boolean", Value: true})
	}
	return props, nil
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.rxcui == cb.rxcui
}

// SubsumesTest: RxNorm has no is-a hierarchy, so distinct known codes are
// never subsumed.
func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	for _, code := range []string{a, b} {
		if loc := p.Locate(code); !loc.Found() {
			return "", term.NotFound("%s", loc.Message)
		}
	}
	if a == b {
		return term.Equivalent, nil
	}
	return term.NotSubsumed, nil
}

func (p *Provider) Iterator(h provider.Context) (provider.Iterator, error) {
	if h != nil {
		if _, err := p.handle(h); err != nil {
			return nil, err
		}
		return provider.NewSliceIterator(nil), nil
	}
	return p.IteratorAll()
}

func (p *Provider) IteratorAll() (provider.Iterator, error) {
	rows, err := p.db.Query(`SELECT rxcui, name, tty, archived FROM rxcuis ORDER BY rxcui`)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "rxnorm query failed: %v", err)
	}
	return &rowIterator{rows: rows, size: p.total}, nil
}

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
	ctx := &rxContext{}
	var archived int
	if err := it.rows.Scan(&ctx.rxcui, &ctx.name, &ctx.tty, &archived); err != nil {
		it.done = true
		it.rows.Close()
		return nil, false
	}
	ctx.archived = archived != 0
	return ctx, true
}

func (it *rowIterator) Size() (int, bool) { return it.size, true }

func (it *rowIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	return it.rows.Close()
}

// SearchText finds concepts whose names contain every word of text, using the
// precomputed stem tokens.
func (p *Provider) SearchText(text string) ([]string, error) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil, nil
	}
	var result map[string]bool
	for _, w := range words {
		stem := stemToken(w)
		matches, err := p.queryCodes(`SELECT rxcui FROM stems WHERE stem = ?`, stem)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(matches))
		for _, m := range matches {
			set[m] = true
		}
		if result == nil {
			result = set
			continue
		}
		for rxcui := range result {
			if !set[rxcui] {
				delete(result, rxcui)
			}
		}
	}
	var out []string
	for rxcui := range result {
		out = append(out, rxcui)
	}
	return out, nil
}

// stemToken mirrors the importer's stemming: lowercase, trimmed of trailing
// plural/participle suffixes.
func stemToken(w string) string {
	w = strings.ToLower(w)
	for _, suffix := range []string{"ies", "es", "s", "ing", "ed"} {
		if strings.HasSuffix(w, suffix) && len(w) > len(suffix)+2 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type filterSpec struct {
	property string
	op       term.FilterOperator
	value    string
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	switch property {
	case "TTY", "SAB", "STY":
		return op == term.OpEquals || op == term.OpIn
	}
	// Any other property names a relationship (REL or RELA) with an rxcui
	// value.
	return op == term.OpEquals && isRelationshipProperty(property)
}

func isRelationshipProperty(property string) bool {
	if property == "" {
		return false
	}
	for _, r := range property {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by RxNorm", property, op, value)
	}
	prep.Add(&filterSpec{property: property, op: op, value: value})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("rxnorm.executeFilters"); err != nil {
			return nil, err
		}
		spec, ok := raw.(*filterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to RxNorm")
		}
		codes, err := p.filterCodes(spec)
		if err != nil {
			return nil, err
		}
		filters = append(filters, provider.NewCodeSetFilter(p, codes))
	}
	return filters, nil
}

func (p *Provider) filterCodes(spec *filterSpec) ([]string, error) {
	values := splitList(spec.value)
	switch spec.property {
	case "TTY":
		return p.inQuery(`SELECT rxcui FROM rxcuis WHERE tty IN (%s)`, values)
	case "SAB":
		return p.inQuery(`SELECT DISTINCT rxcui FROM sabs WHERE sab IN (%s)`, values)
	case "STY":
		return p.inQuery(`SELECT DISTINCT rxcui FROM stys WHERE sty IN (%s)`, values)
	}
	// Relationship filter: sources related to the target rxcui by REL or RELA.
	return p.queryCodes(
		`SELECT DISTINCT rxcui1 FROM relationships WHERE (rel = ? OR rela = ?) AND rxcui2 = ?`,
		spec.property, spec.property, spec.value)
}

func (p *Provider) queryCodes(query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "rxnorm query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, term.NewError(term.KindTransport, "rxnorm scan failed: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Provider) inQuery(template string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(values))
	marks := make([]string, len(values))
	for i, v := range values {
		args[i] = v
		marks[i] = "?"
	}
	return p.queryCodes(fmt.Sprintf(template, strings.Join(marks, ",")), args...)
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
