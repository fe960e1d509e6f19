// Package ucum implements the UCUM provider: an expression validator over the
// essence table. Locate parses the unit expression; a valid expression yields
// a handle exposing the canonical form and analysis. The set of valid
// expressions is unbounded, so iteration is unsupported and the canonical
// filter is open.
package ucum

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical UCUM system.
const SystemURI = "http://unitsofmeasure.org"

const handleTag = "ucum"

// Provider validates unit expressions against the essence table.
//
// Database schema (importer output, from ucum-essence.xml):
//
//	units(code, canonical, factor, description)
//	prefixes(code, factor)
//	metadata(key, value)
type Provider struct {
	provider.NoHierarchy
	provider.NoIteration
	provider.NoSupplements

	version  string
	units    map[string]essenceUnit
	prefixes []prefix // longest code first
	total    int
}

type essenceUnit struct {
	dim         Dimension
	factor      float64
	description string
}

type prefix struct {
	code   string
	factor float64
}

// New loads the essence table into memory; it is read once at startup and
// immutable afterwards.
func New(db *sql.DB) (*Provider, error) {
	p := &Provider{units: map[string]essenceUnit{}}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'version'`).Scan(&p.version); err != nil {
		return nil, term.Invalid("ucum database has no version metadata")
	}
	rows, err := db.Query(`SELECT code, canonical, factor, description FROM units`)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "ucum database unreadable: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, canonical, description string
		var factor float64
		if err := rows.Scan(&code, &canonical, &factor, &description); err != nil {
			return nil, term.NewError(term.KindTransport, "ucum scan failed: %v", err)
		}
		dim, err := parseCanonical(canonical)
		if err != nil {
			return nil, term.Invalid("ucum unit %q has a bad canonical form %q", code, canonical)
		}
		p.units[code] = essenceUnit{dim: dim, factor: factor, description: description}
	}
	if err := rows.Err(); err != nil {
		return nil, term.NewError(term.KindTransport, "ucum database unreadable: %v", err)
	}
	p.total = len(p.units)

	prows, err := db.Query(`SELECT code, factor FROM prefixes ORDER BY LENGTH(code) DESC, code`)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "ucum database unreadable: %v", err)
	}
	defer prows.Close()
	for prows.Next() {
		var pf prefix
		if err := prows.Scan(&pf.code, &pf.factor); err != nil {
			return nil, term.NewError(term.KindTransport, "ucum scan failed: %v", err)
		}
		p.prefixes = append(p.prefixes, pf)
	}
	return p, prows.Err()
}

// parseCanonical reads the stored canonical form: dot-joined base units with
// exponent suffixes, or "1" for dimensionless.
func parseCanonical(canonical string) (Dimension, error) {
	dim := Dimension{}
	if canonical == "" || canonical == "1" {
		return dim, nil
	}
	for _, part := range strings.Split(canonical, ".") {
		i := len(part)
		for i > 0 && (part[i-1] >= '0' && part[i-1] <= '9' || part[i-1] == '-') {
			i--
		}
		unit := part[:i]
		if unit == "" {
			return nil, fmt.Errorf("bad canonical component %q", part)
		}
		exp := 1
		if i < len(part) {
			var err error
			exp, err = strconv.Atoi(part[i:])
			if err != nil {
				return nil, err
			}
		}
		dim[unit] += exp
	}
	return dim, nil
}

func (p *Provider) resolve(symbol string) (Dimension, float64, bool) {
	if u, ok := p.units[symbol]; ok {
		return u.dim, u.factor, true
	}
	for _, pf := range p.prefixes {
		if strings.HasPrefix(symbol, pf.code) && len(symbol) > len(pf.code) {
			if u, ok := p.units[symbol[len(pf.code):]]; ok {
				return u.dim, u.factor * pf.factor, true
			}
		}
	}
	return nil, 0, false
}

// Analyze parses a unit expression.
func (p *Provider) Analyze(expression string) (*Analysis, error) {
	a, err := parseExpression(expression, p.resolve)
	if err != nil {
		return nil, term.Invalid("Invalid UCUM expression '%s': %v", expression, err)
	}
	return a, nil
}

type ucumContext struct {
	analysis *Analysis
}

func (c *ucumContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*ucumContext, error) {
	ctx, ok := h.(*ucumContext)
	if !ok {
		return nil, provider.WrongHandle("UCUM", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return "UCUM " + p.version }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	if strings.TrimSpace(code) == "" {
		return provider.Located{Message: "Empty code"}
	}
	a, err := p.Analyze(code)
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	return provider.Located{Context: &ucumContext{analysis: a}}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.analysis.Expression, nil
}

// Display returns the essence description for plain atoms and the expression
// itself for anything compound.
func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	if u, ok := p.units[ctx.analysis.Expression]; ok && u.description != "" {
		return u.description, nil
	}
	return ctx.analysis.Expression, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	display, err := p.Display(h, nil)
	if err != nil {
		return err
	}
	out.Add(term.Designation{Language: "en", UseCode: "display", Value: display})
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool   { return false }
func (p *Provider) IsInactive(h provider.Context) bool   { return false }
func (p *Provider) IsDeprecated(h provider.Context) bool { return false }
func (p *Provider) Status(h provider.Context) string     { return "" }
func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	return []provider.Property{
		{Code: "canonical", Type: "string", Value: ctx.analysis.Canonical()},
		{Code: "magnitude", Type: "decimal", Value: ctx.analysis.Magnitude},
	}, nil
}

// SameConcept: two expressions denote the same concept when their canonical
// forms and magnitudes agree ("mg" vs "mg", but also "g.m/s2" vs "m.g/s2").
func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.analysis.Dimension.Equal(cb.analysis.Dimension) &&
		ca.analysis.Magnitude == cb.analysis.Magnitude
}

func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	la := p.Locate(a)
	if !la.Found() {
		return "", term.NotFound("%s", la.Message)
	}
	lb := p.Locate(b)
	if !lb.Found() {
		return "", term.NotFound("%s", lb.Message)
	}
	if p.SameConcept(la.Context, lb.Context) {
		return term.Equivalent, nil
	}
	return term.NotSubsumed, nil
}

// Comparable reports whether two unit expressions share a canonical
// dimension, i.e. quantities in them can be converted into one another.
func (p *Provider) Comparable(a, b string) (bool, error) {
	aa, err := p.Analyze(a)
	if err != nil {
		return false, err
	}
	ab, err := p.Analyze(b)
	if err != nil {
		return false, err
	}
	return aa.Dimension.Equal(ab.Dimension), nil
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type canonicalFilterSpec struct {
	dim Dimension
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	return property == "canonical" && op == term.OpEquals
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by UCUM", property, op, value)
	}
	a, err := p.Analyze(value)
	if err != nil {
		return err
	}
	prep.Add(&canonicalFilterSpec{dim: a.Dimension})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		spec, ok := raw.(*canonicalFilterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to UCUM")
		}
		dim := spec.dim
		// Membership is decided by expression analysis; the matching set is
		// unbounded, so the filter is open.
		filters = append(filters, provider.NewCheckFilter(p, func(h provider.Context) (bool, error) {
			c, err := p.handle(h)
			if err != nil {
				return false, err
			}
			return c.analysis.Dimension.Equal(dim), nil
		}))
	}
	return filters, nil
}
