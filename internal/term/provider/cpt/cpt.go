// Package cpt implements the CPT provider over the importer's SQLite
// database. Beyond the flat code set, CPT accepts expression codes of the
// form base:mod1[:mod2...]; Locate parses and validates them against modifier
// existence and category rules. Valid expressions yield an expression-kind
// handle with an empty display.
package cpt

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical CPT system.
const SystemURI = "http://www.ama-assn.org/go/cpt"

const handleTag = "cpt"

// Concept kinds stored in the database and accepted by the kind filter.
const (
	KindCode           = "code"
	KindCat2           = "cat-2"
	KindGeneral        = "general"
	KindPhysicalStatus = "physical-status"
	KindHCPCS          = "hcpcs"
)

// telemedicineModifier is only valid on telemedicine-enabled codes.
const telemedicineModifier = "95"

// Provider serves CPT from a read-only database.
//
// Database schema (importer output):
//
//	concepts(code, is_modifier, kind, display, telemedicine)
//	metadata(key, value)
type Provider struct {
	provider.NoHierarchy
	provider.NoSupplements

	db      *sql.DB
	version string
	total   int
	content term.ContentMode
}

// New builds a provider over an opened database. Fragment releases carry
// content = 'fragment' in metadata.
func New(db *sql.DB) (*Provider, error) {
	p := &Provider{db: db, content: term.ContentComplete}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'version'`).Scan(&p.version); err != nil {
		return nil, term.Invalid("cpt database has no version metadata")
	}
	var content string
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'content'`).Scan(&content); err == nil && content != "" {
		p.content = term.ContentMode(content)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM concepts`).Scan(&p.total); err != nil {
		return nil, term.NewError(term.KindTransport, "cpt database unreadable: %v", err)
	}
	return p, nil
}

type concept struct {
	code         string
	modifier     bool
	kind         string
	display      string
	telemedicine bool
}

type cptContext struct {
	code       string
	expression bool
	display    string // empty for expressions
	kind       string
}

func (c *cptContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*cptContext, error) {
	ctx, ok := h.(*cptContext)
	if !ok {
		return nil, provider.WrongHandle("CPT", h)
	}
	return ctx, nil
}

func (p *Provider) lookup(code string) (*concept, error) {
	c := &concept{code: code}
	var isModifier, telemedicine int
	err := p.db.QueryRow(
		`SELECT is_modifier, kind, display, telemedicine FROM concepts WHERE code = ?`, code).
		Scan(&isModifier, &c.kind, &c.display, &telemedicine)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, term.NewError(term.KindTransport, "cpt query failed: %v", err)
	}
	c.modifier = isModifier != 0
	c.telemedicine = telemedicine != 0
	return c, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return "CPT " + p.version }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) ContentMode() term.ContentMode { return p.content }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

// Locate resolves plain codes and expression codes. Expression validation:
// the base and every modifier must exist, category-2 modifiers require a
// category-2 base, and modifier 95 requires a telemedicine-enabled base.
func (p *Provider) Locate(code string) provider.Located {
	code = strings.TrimSpace(code)
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	if !strings.Contains(code, ":") {
		c, err := p.lookup(code)
		if err != nil {
			return provider.Located{Message: err.Error()}
		}
		if c == nil {
			return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in CPT", code)}
		}
		return provider.Located{Context: &cptContext{code: code, display: c.display, kind: c.kind}}
	}

	parts := strings.Split(code, ":")
	base, err := p.lookup(parts[0])
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	if base == nil {
		return provider.Located{Message: fmt.Sprintf("Unknown base code '%s' in CPT expression '%s'", parts[0], code)}
	}
	if base.modifier {
		return provider.Located{Message: fmt.Sprintf("Code '%s' is a modifier and cannot start an expression", parts[0])}
	}
	for _, modCode := range parts[1:] {
		if modCode == "" {
			return provider.Located{Message: fmt.Sprintf("Empty modifier in CPT expression '%s'", code)}
		}
		mod, err := p.lookup(modCode)
		if err != nil {
			return provider.Located{Message: err.Error()}
		}
		if mod == nil || !mod.modifier {
			return provider.Located{Message: fmt.Sprintf("Unknown modifier '%s' in CPT expression '%s'", modCode, code)}
		}
		if mod.kind == KindCat2 && base.kind != KindCat2 {
			return provider.Located{Message: fmt.Sprintf(
				"Modifier '%s' is restricted to category-2 codes and cannot apply to '%s'", modCode, parts[0])}
		}
		if modCode == telemedicineModifier && !base.telemedicine {
			return provider.Located{Message: fmt.Sprintf(
				"Modifier '95' requires a telemedicine-enabled code, and '%s' is not", parts[0])}
		}
	}
	return provider.Located{Context: &cptContext{code: code, expression: true}}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.code, nil
}

// Display returns the concept narrative; expressions have no display.
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
	if ctx.display != "" {
		out.Add(term.Designation{Language: "en", UseCode: "display", Value: ctx.display})
	}
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
	if ctx.expression {
		return []provider.Property{
			{Code: "kind", Type: "code", Value: "expression"},
		}, nil
	}
	return []provider.Property{
		{Code: "kind", Type: "code", Value: ctx.kind},
	}, nil
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.code == cb.code
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
	codes, err := p.queryCodes(`SELECT code FROM concepts ORDER BY code`)
	if err != nil {
		return nil, err
	}
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

type modifierFilterSpec struct{ want bool }
type modifiedFilterSpec struct{ want bool }
type kindFilterSpec struct{ kind string }

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	if op != term.OpEquals {
		return false
	}
	switch property {
	case "modifier", "modified":
		return value == "true" || value == "false"
	case "kind":
		switch value {
		case KindCode, KindCat2, KindGeneral, KindPhysicalStatus, KindHCPCS:
			return true
		}
	}
	return false
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by CPT", property, op, value)
	}
	switch property {
	case "modifier":
		prep.Add(&modifierFilterSpec{want: value == "true"})
	case "modified":
		prep.Add(&modifiedFilterSpec{want: value == "true"})
	case "kind":
		prep.Add(&kindFilterSpec{kind: value})
	}
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("cpt.executeFilters"); err != nil {
			return nil, err
		}
		switch spec := raw.(type) {
		case *modifierFilterSpec:
			flag := 0
			if spec.want {
				flag = 1
			}
			codes, err := p.queryCodes(`SELECT code FROM concepts WHERE is_modifier = ? ORDER BY code`, flag)
			if err != nil {
				return nil, err
			}
			filters = append(filters, provider.NewCodeSetFilter(p, codes))

		case *modifiedFilterSpec:
			if spec.want {
				// Membership is decided by expression parsing, never by
				// enumeration: the set of modified codes is open.
				filters = append(filters, provider.NewCheckFilter(p, func(h provider.Context) (bool, error) {
					c, err := p.handle(h)
					if err != nil {
						return false, err
					}
					return c.expression, nil
				}))
			} else {
				codes, err := p.queryCodes(`SELECT code FROM concepts ORDER BY code`)
				if err != nil {
					return nil, err
				}
				filters = append(filters, provider.NewCodeSetFilter(p, codes))
			}

		case *kindFilterSpec:
			codes, err := p.queryCodes(`SELECT code FROM concepts WHERE kind = ? ORDER BY code`, spec.kind)
			if err != nil {
				return nil, err
			}
			filters = append(filters, provider.NewCodeSetFilter(p, codes))

		default:
			return nil, term.Invalid("foreign filter spec passed to CPT")
		}
	}
	return filters, nil
}

func (p *Provider) queryCodes(query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "cpt query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, term.NewError(term.KindTransport, "cpt scan failed: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
