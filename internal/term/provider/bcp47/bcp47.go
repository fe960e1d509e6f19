// Package bcp47 implements the language-tag provider. Tags are validated
// structurally; there is no code table, so iteration and expansion are
// unsupported and the exists filters are open.
package bcp47

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical BCP-47 system.
const SystemURI = "urn:ietf:bcp:47"

const handleTag = "bcp47"

// Provider validates BCP-47 language tags.
type Provider struct {
	provider.NoHierarchy
	provider.NoIteration
	provider.NoSupplements
}

// New builds the language-tag provider. It carries no state; the subtag
// registry ships with the language package.
func New() *Provider { return &Provider{} }

type bcpContext struct {
	code string
	tag  language.Tag
}

func (c *bcpContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*bcpContext, error) {
	ctx, ok := h.(*bcpContext)
	if !ok {
		return nil, provider.WrongHandle("BCP-47", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return "" }
func (p *Provider) Description() string           { return "IETF language tags (BCP 47)" }
func (p *Provider) TotalCount() int               { return 0 }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentNotPresent }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	code = strings.TrimSpace(code)
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	tag, err := language.Parse(code)
	if err != nil {
		return provider.Located{Message: fmt.Sprintf("Invalid language tag '%s': %v", code, err)}
	}
	return provider.Located{Context: &bcpContext{code: code, tag: tag}}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.code, nil
}

// Display is the English tag name, e.g. "German (Switzerland)" for de-CH.
func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	if name := display.English.Tags().Name(ctx.tag); name != "" {
		return name, nil
	}
	return ctx.code, nil
}

// Designations emits the plain language name plus the script- and
// region-qualified variants the tag declares.
func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	namer := display.English
	seen := map[string]bool{}
	add := func(use, value string) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		out.Add(term.Designation{Language: "en", UseCode: use, Value: value})
	}

	base, baseConf := ctx.tag.Base()
	if baseConf == language.Exact {
		add("language", namer.Languages().Name(base))
	}
	if script, conf := ctx.tag.Script(); conf == language.Exact && baseConf == language.Exact {
		add("script", fmt.Sprintf("%s (%s)", namer.Languages().Name(base), namer.Scripts().Name(script)))
	}
	if region, conf := ctx.tag.Region(); conf == language.Exact && baseConf == language.Exact {
		add("region", fmt.Sprintf("%s (%s)", namer.Languages().Name(base), namer.Regions().Name(region)))
	}
	add("display", namer.Tags().Name(ctx.tag))
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
	var props []provider.Property
	if base, conf := ctx.tag.Base(); conf == language.Exact {
		props = append(props, provider.Property{Code: "language", Type: "code", Value: base.String()})
	}
	if script, conf := ctx.tag.Script(); conf == language.Exact {
		props = append(props, provider.Property{Code: "script", Type: "code", Value: script.String()})
	}
	if region, conf := ctx.tag.Region(); conf == language.Exact {
		props = append(props, provider.Property{Code: "region", Type: "code", Value: region.String()})
	}
	return props, nil
}

// SameConcept compares canonicalized tags, so "en-us" and "en-US" agree.
func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.tag == cb.tag
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

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type existsFilterSpec struct {
	component string
	want      bool
}

var filterComponents = map[string]bool{"language": true, "script": true, "region": true}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	return filterComponents[property] && op == term.OpExists && (value == "true" || value == "false")
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.DoesFilter(property, op, value) {
		return term.NotSupported("the filter (%s %s %s) is not supported by BCP-47", property, op, value)
	}
	prep.Add(&existsFilterSpec{component: property, want: value == "true"})
	return nil
}

// ExecuteFilters yields open filters: the tag space is unbounded, membership
// is decided per candidate.
func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		spec, ok := raw.(*existsFilterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to BCP-47")
		}
		filters = append(filters, provider.NewCheckFilter(p, func(h provider.Context) (bool, error) {
			c, err := p.handle(h)
			if err != nil {
				return false, err
			}
			return p.hasComponent(c.tag, spec.component) == spec.want, nil
		}))
	}
	return filters, nil
}

// hasComponent reports whether the tag declares the subtag itself; inferred
// scripts and regions do not count.
func (p *Provider) hasComponent(tag language.Tag, component string) bool {
	switch component {
	case "language":
		_, conf := tag.Base()
		return conf == language.Exact
	case "script":
		_, conf := tag.Script()
		return conf == language.Exact
	case "region":
		_, conf := tag.Region()
		return conf == language.Exact
	}
	return false
}
