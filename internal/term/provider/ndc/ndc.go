// Package ndc implements the NDC provider over the importer's SQLite
// database. Codes arrive in two shapes: 10-digit segmented
// (4-4-2, 5-3-2, 5-4-1, 6-3-2, 6-4-1) and 11-digit unsegmented; Locate
// normalizes either to the same package concept. Products (labeler-product
// codes) are distinguished from packages.
package ndc

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical NDC system.
const SystemURI = "http://hl7.org/fhir/sid/ndc"

const handleTag = "ndc"

// Provider serves NDC from a read-only database.
//
// Database schema (importer output):
//
//	products(code, description, active)
//	packages(ndc11, ndc10, product_code, description, active)
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
		return nil, term.Invalid("ndc database has no version metadata")
	}
	var products, packages int
	if err := db.QueryRow(`SELECT COUNT(*) FROM products`).Scan(&products); err != nil {
		return nil, term.NewError(term.KindTransport, "ndc database unreadable: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM packages`).Scan(&packages); err != nil {
		return nil, term.NewError(term.KindTransport, "ndc database unreadable: %v", err)
	}
	p.total = products + packages
	return p, nil
}

type codeKind int

const (
	kindProduct codeKind = iota
	kind10Digit
	kind11Digit
)

type ndcContext struct {
	code        string // the code as presented by the caller
	kind        codeKind
	description string
	ndc11       string // package identity; empty for products
	productCode string
}

func (c *ndcContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*ndcContext, error) {
	ctx, ok := h.(*ndcContext)
	if !ok {
		return nil, provider.WrongHandle("NDC", h)
	}
	return ctx, nil
}

// Normalize11 converts a segmented 10-digit package code to its 11-digit
// form. Codes already 11 digits (unsegmented or in a 6-x-y segmentation) pass
// through with separators stripped. Returns ok=false for shapes that are not
// valid NDC package codes.
func Normalize11(code string) (string, bool) {
	if !strings.Contains(code, "-") {
		if len(code) == 11 && allDigits(code) {
			return code, true
		}
		return "", false
	}
	segments := strings.Split(code, "-")
	if len(segments) != 3 {
		return "", false
	}
	for _, s := range segments {
		if !allDigits(s) {
			return "", false
		}
	}
	a, b, c := len(segments[0]), len(segments[1]), len(segments[2])
	switch {
	case a == 4 && b == 4 && c == 2:
		return "0" + segments[0] + segments[1] + segments[2], true
	case a == 5 && b == 3 && c == 2:
		return segments[0] + "0" + segments[1] + segments[2], true
	case a == 5 && b == 4 && c == 1:
		return segments[0] + segments[1] + "0" + segments[2], true
	case (a == 6 && b == 3 && c == 2) || (a == 6 && b == 4 && c == 1):
		return segments[0] + segments[1] + segments[2], true
	}
	return "", false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return "NDC " + p.version }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	code = strings.TrimSpace(code)
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	// Two-segment codes identify products.
	if segments := strings.Split(code, "-"); len(segments) == 2 {
		var description string
		err := p.db.QueryRow(`SELECT description FROM products WHERE code = ?`, code).Scan(&description)
		if err == sql.ErrNoRows {
			return provider.Located{Message: fmt.Sprintf("Unknown product code '%s' in NDC", code)}
		}
		if err != nil {
			return provider.Located{Message: err.Error()}
		}
		return provider.Located{Context: &ndcContext{
			code: code, kind: kindProduct, description: description, productCode: code,
		}}
	}
	ndc11, ok := Normalize11(code)
	if !ok {
		return provider.Located{Message: fmt.Sprintf("Code '%s' is not a valid NDC package code", code)}
	}
	ctx := &ndcContext{code: code, ndc11: ndc11}
	if strings.Contains(code, "-") {
		ctx.kind = kind10Digit
	} else {
		ctx.kind = kind11Digit
	}
	err := p.db.QueryRow(
		`SELECT description, product_code FROM packages WHERE ndc11 = ?`, ndc11).
		Scan(&ctx.description, &ctx.productCode)
	if err == sql.ErrNoRows {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in NDC", code)}
	}
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	return provider.Located{Context: ctx}
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
	return ctx.description, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	out.Add(term.Designation{Language: "en", UseCode: "display", Value: ctx.description})
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool { return false }

func (p *Provider) IsInactive(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	var active int
	if ctx.kind == kindProduct {
		err = p.db.QueryRow(`SELECT active FROM products WHERE code = ?`, ctx.productCode).Scan(&active)
	} else {
		err = p.db.QueryRow(`SELECT active FROM packages WHERE ndc11 = ?`, ctx.ndc11).Scan(&active)
	}
	if err != nil {
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
	switch ctx.kind {
	case kindProduct:
		return []provider.Property{
			{Code: "code-type", Type: "code", Value: "product"},
		}, nil
	case kind10Digit:
		return []provider.Property{
			{Code: "code-type", Type: "code", Value: "10-digit"},
			{Code: "product", Type: "code", Value: ctx.productCode},
			{Code: "synonym", Type: "code", Value: ctx.ndc11},
		}, nil
	default:
		return []provider.Property{
			{Code: "code-type", Type: "code", Value: "11-digit"},
			{Code: "product", Type: "code", Value: ctx.productCode},
		}, nil
	}
}

// SameConcept: a segmented and an 11-digit form of one package are the same
// concept.
func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	if ca.kind == kindProduct || cb.kind == kindProduct {
		return ca.kind == cb.kind && ca.productCode == cb.productCode
	}
	return ca.ndc11 == cb.ndc11
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
	codes, err := p.queryCodes(`SELECT code FROM products ORDER BY code`)
	if err != nil {
		return nil, err
	}
	packages, err := p.queryCodes(`SELECT ndc11 FROM packages ORDER BY ndc11`)
	if err != nil {
		return nil, err
	}
	codes = append(codes, packages...)
	ctxs := make([]provider.Context, 0, len(codes))
	for _, c := range codes {
		loc := p.Locate(c)
		if loc.Found() {
			ctxs = append(ctxs, loc.Context)
		}
	}
	return provider.NewSliceIterator(ctxs), nil
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type filterSpec struct {
	codeType string
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	if property != "code-type" || op != term.OpEquals {
		return false
	}
	return value == "product" || value == "10-digit" || value == "11-digit"
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by NDC", property, op, value)
	}
	prep.Add(&filterSpec{codeType: value})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("ndc.executeFilters"); err != nil {
			return nil, err
		}
		spec, ok := raw.(*filterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to NDC")
		}
		var codes []string
		var err error
		switch spec.codeType {
		case "product":
			codes, err = p.queryCodes(`SELECT code FROM products ORDER BY code`)
		case "10-digit":
			codes, err = p.queryCodes(`SELECT ndc10 FROM packages ORDER BY ndc10`)
		case "11-digit":
			codes, err = p.queryCodes(`SELECT ndc11 FROM packages ORDER BY ndc11`)
		}
		if err != nil {
			return nil, err
		}
		filters = append(filters, provider.NewCodeSetFilter(p, codes))
	}
	return filters, nil
}

func (p *Provider) queryCodes(query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "ndc query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, term.NewError(term.KindTransport, "ndc scan failed: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
