// Package loinc implements the LOINC provider over the importer's SQLite
// database: answer-list (LIST) filters, part-linked relationship filters,
// declared property filters including numeric CLASSTYPE, multiaxial hierarchy
// filters via a materialized closure, and status/copyright filters.
package loinc

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical LOINC system.
const SystemURI = "http://loinc.org"

const handleTag = "loinc"

// relationship properties are backed by part links rather than the flat
// property table.
var partLinkedProperties = map[string]bool{
	"COMPONENT":  true,
	"PROPERTY":   true,
	"TIME_ASPCT": true,
	"SYSTEM":     true,
	"SCALE_TYP":  true,
	"METHOD_TYP": true,
}

// Provider serves LOINC from a read-only database.
//
// Database schema (importer output):
//
//	loincs(code, long_common_name, display, status, copyright, classtype)
//	properties(code, prop, value)
//	answer_lists(list_id, code, seq)
//	parts(part_code, part_name, part_type)
//	part_links(code, part_code, link_type)
//	hierarchy(parent, child)                 multiaxial edges
//	closure(ancestor, descendant)            transitive closure, no self rows
//	metadata(key, value)
type Provider struct {
	provider.NoSupplements

	db          *sql.DB
	version     string
	description string
	total       int
}

// New builds a provider over an opened database.
func New(db *sql.DB) (*Provider, error) {
	p := &Provider{db: db}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'version'`).Scan(&p.version); err != nil {
		return nil, term.Invalid("loinc database has no version metadata")
	}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'description'`).Scan(&p.description); err != nil {
		p.description = "LOINC"
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM loincs`).Scan(&p.total); err != nil {
		return nil, term.NewError(term.KindTransport, "loinc database unreadable: %v", err)
	}
	return p, nil
}

type loincContext struct {
	code    string
	display string
}

func (c *loincContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*loincContext, error) {
	ctx, ok := h.(*loincContext)
	if !ok {
		return nil, provider.WrongHandle("LOINC", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return p.description }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) HasParents() bool              { return true }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

// HasAnyDisplays: LOINC releases carry English display text only.
func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	if strings.TrimSpace(code) == "" {
		return provider.Located{Message: "Empty code"}
	}
	var display string
	err := p.db.QueryRow(`SELECT long_common_name FROM loincs WHERE code = ?`, code).Scan(&display)
	if err == sql.ErrNoRows {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in LOINC version '%s'", code, p.version)}
	}
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	return provider.Located{Context: &loincContext{code: code, display: display}}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.code, nil
}

func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.display, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	out.Add(term.Designation{Language: "en", UseCode: "display", Value: ctx.display})
	var short string
	err = p.db.QueryRow(
		`SELECT value FROM properties WHERE code = ? AND prop = 'SHORTNAME'`, ctx.code).Scan(&short)
	if err == nil && short != "" {
		out.Add(term.Designation{Language: "en", UseCode: "SHORTNAME", Value: short})
	}
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool { return false }

func (p *Provider) status(code string) string {
	var status string
	if err := p.db.QueryRow(`SELECT status FROM loincs WHERE code = ?`, code).Scan(&status); err != nil {
		return ""
	}
	return status
}

func (p *Provider) IsInactive(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	s := p.status(ctx.code)
	return s == "DEPRECATED" || s == "DISCOURAGED"
}

func (p *Provider) IsDeprecated(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	return p.status(ctx.code) == "DEPRECATED"
}

func (p *Provider) Status(h provider.Context) string {
	ctx, err := p.handle(h)
	if err != nil {
		return ""
	}
	return p.status(ctx.code)
}

func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(
		`SELECT prop, value FROM properties WHERE code = ? ORDER BY prop, value`, ctx.code)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "loinc query failed: %v", err)
	}
	defer rows.Close()
	var props []provider.Property
	for rows.Next() {
		var prop, value string
		if err := rows.Scan(&prop, &value); err != nil {
			return nil, term.NewError(term.KindTransport, "loinc scan failed: %v", err)
		}
		typ := "string"
		if prop == "CLASSTYPE" || prop == "ORDER_OBS" {
			typ = "code"
		}
		props = append(props, provider.Property{Code: prop, Type: typ, Value: value})
	}
	return props, rows.Err()
}

func (p *Provider) Parent(code string) string {
	var parent string
	err := p.db.QueryRow(
		`SELECT parent FROM hierarchy WHERE child = ? ORDER BY parent LIMIT 1`, code).Scan(&parent)
	if err != nil {
		return ""
	}
	return parent
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.code == cb.code
}

func (p *Provider) isDescendant(child, ancestor string) (bool, error) {
	var one int
	err := p.db.QueryRow(
		`SELECT 1 FROM closure WHERE ancestor = ? AND descendant = ?`, ancestor, child).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, term.NewError(term.KindTransport, "loinc query failed: %v", err)
	}
	return true, nil
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
	isa, err := p.isDescendant(child, parent)
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
		if loc := p.Locate(code); !loc.Found() {
			return "", term.NotFound("%s", loc.Message)
		}
	}
	if a == b {
		return term.Equivalent, nil
	}
	if isa, err := p.isDescendant(b, a); err != nil {
		return "", err
	} else if isa {
		return term.Subsumes, nil
	}
	if isa, err := p.isDescendant(a, b); err != nil {
		return "", err
	} else if isa {
		return term.SubsumedBy, nil
	}
	return term.NotSubsumed, nil
}

func (p *Provider) queryCodes(query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "loinc query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, term.NewError(term.KindTransport, "loinc scan failed: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Provider) contexts(codes []string) ([]provider.Context, error) {
	out := make([]provider.Context, 0, len(codes))
	for _, c := range codes {
		loc := p.Locate(c)
		if loc.Found() {
			out = append(out, loc.Context)
		}
	}
	return out, nil
}

func (p *Provider) Iterator(h provider.Context) (provider.Iterator, error) {
	if h == nil {
		roots, err := p.queryCodes(
			`SELECT code FROM loincs WHERE code NOT IN (SELECT child FROM hierarchy) ORDER BY code`)
		if err != nil {
			return nil, err
		}
		ctxs, _ := p.contexts(roots)
		return provider.NewSliceIterator(ctxs), nil
	}
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	children, err := p.queryCodes(`SELECT child FROM hierarchy WHERE parent = ? ORDER BY child`, ctx.code)
	if err != nil {
		return nil, err
	}
	ctxs, _ := p.contexts(children)
	return provider.NewSliceIterator(ctxs), nil
}

func (p *Provider) IteratorAll() (provider.Iterator, error) {
	rows, err := p.db.Query(`SELECT code, long_common_name FROM loincs ORDER BY code`)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "loinc query failed: %v", err)
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
	var code, display string
	if err := it.rows.Scan(&code, &display); err != nil {
		it.done = true
		it.rows.Close()
		return nil, false
	}
	return &loincContext{code: code, display: display}, true
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

type filterSpec struct {
	property string
	op       term.FilterOperator
	value    string
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	switch property {
	case "LIST", "answer-list":
		return op == term.OpEquals
	case "STATUS", "COPYRIGHT", "CLASSTYPE", "CLASS", "ORDER_OBS":
		return op == term.OpEquals || op == term.OpIn
	case "parent", "ancestor":
		return op == term.OpEquals || op == term.OpIn
	case "concept":
		return op == term.OpIsA || op == term.OpDescendentOf || op == term.OpEquals
	}
	if partLinkedProperties[property] {
		return op == term.OpEquals || op == term.OpIn || op == term.OpRegex
	}
	return false
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by LOINC", property, op, value)
	}
	prep.Add(&filterSpec{property: property, op: op, value: value})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("loinc.executeFilters"); err != nil {
			return nil, err
		}
		spec, ok := raw.(*filterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to LOINC")
		}
		f, err := p.materialize(spec)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func (p *Provider) materialize(spec *filterSpec) (provider.Filter, error) {
	switch spec.property {
	case "LIST", "answer-list":
		// Answer lists declare a meaningful sequence; preserve it.
		codes, err := p.queryCodes(
			`SELECT code FROM answer_lists WHERE list_id = ? ORDER BY seq`, spec.value)
		if err != nil {
			return nil, err
		}
		return provider.NewOrderedCodeSetFilter(p, codes), nil

	case "STATUS", "COPYRIGHT", "CLASSTYPE", "CLASS", "ORDER_OBS":
		column := map[string]string{
			"STATUS": "status", "COPYRIGHT": "copyright", "CLASSTYPE": "classtype",
		}[spec.property]
		var codes []string
		var err error
		if column != "" {
			codes, err = p.inQuery(
				`SELECT code FROM loincs WHERE `+column+` IN (%s) ORDER BY code`, spec.value)
		} else {
			codes, err = p.inQuery(
				`SELECT code FROM properties WHERE prop = '`+spec.property+`' AND value IN (%s) ORDER BY code`,
				spec.value)
		}
		if err != nil {
			return nil, err
		}
		return provider.NewCodeSetFilter(p, codes), nil

	case "parent":
		codes, err := p.inQuery(`SELECT child FROM hierarchy WHERE parent IN (%s) ORDER BY child`, spec.value)
		if err != nil {
			return nil, err
		}
		return provider.NewCodeSetFilter(p, codes), nil

	case "ancestor":
		codes, err := p.inQuery(`SELECT descendant FROM closure WHERE ancestor IN (%s) ORDER BY descendant`, spec.value)
		if err != nil {
			return nil, err
		}
		return provider.NewCodeSetFilter(p, codes), nil

	case "concept":
		codes, err := p.queryCodes(`SELECT descendant FROM closure WHERE ancestor = ?`, spec.value)
		if err != nil {
			return nil, err
		}
		switch spec.op {
		case term.OpIsA:
			codes = append(codes, spec.value)
		case term.OpEquals:
			codes = []string{spec.value}
		}
		return provider.NewCodeSetFilter(p, codes), nil
	}

	if partLinkedProperties[spec.property] {
		if spec.op == term.OpRegex {
			re, err := regexp.Compile(spec.value)
			if err != nil {
				return nil, term.Invalid("Invalid regex pattern %q: %v", spec.value, err)
			}
			rows, err := p.db.Query(
				`SELECT l.code, pt.part_name FROM part_links l
				 JOIN parts pt ON pt.part_code = l.part_code
				 WHERE l.link_type = ? ORDER BY l.code`, spec.property)
			if err != nil {
				return nil, term.NewError(term.KindTransport, "loinc query failed: %v", err)
			}
			defer rows.Close()
			var codes []string
			for rows.Next() {
				var code, name string
				if err := rows.Scan(&code, &name); err != nil {
					return nil, term.NewError(term.KindTransport, "loinc scan failed: %v", err)
				}
				if re.MatchString(name) {
					codes = append(codes, code)
				}
			}
			if err := rows.Err(); err != nil {
				return nil, term.NewError(term.KindTransport, "loinc query failed: %v", err)
			}
			return provider.NewCodeSetFilter(p, codes), nil
		}
		codes, err := p.inQuery(
			`SELECT code FROM part_links WHERE link_type = '`+spec.property+`' AND part_code IN (%s) ORDER BY code`,
			spec.value)
		if err != nil {
			return nil, err
		}
		return provider.NewCodeSetFilter(p, codes), nil
	}
	return nil, term.NotSupported("the filter (%s %s %s) is not supported by LOINC", spec.property, spec.op, spec.value)
}

// inQuery expands a comma-separated value list into a parameterized IN clause.
func (p *Provider) inQuery(template, valueList string) ([]string, error) {
	var args []interface{}
	var marks []string
	for _, part := range strings.Split(valueList, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			args = append(args, part)
			marks = append(marks, "?")
		}
	}
	if len(args) == 0 {
		return nil, nil
	}
	return p.queryCodes(fmt.Sprintf(template, strings.Join(marks, ",")), args...)
}
