// Package fhircs implements the code system provider for FHIR CodeSystem
// resources held in memory: client-submitted code systems, stored canonical
// code systems, and their supplements.
package fhircs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

const handleTag = "fhircs"

type conceptNode struct {
	code         string
	display      string
	definition   string
	parents      []*conceptNode
	children     []*conceptNode
	designations []term.Designation
	properties   []provider.Property
	abstract     bool
	inactive     bool
	deprecated   bool
	status       string
	itemWeight   string
	order        int
}

type conceptContext struct {
	node *conceptNode
}

func (c *conceptContext) Tag() string { return handleTag }

// Provider serves one CodeSystem resource plus its matching supplements.
type Provider struct {
	url         string
	version     string
	name        string
	description string
	language    string
	content     term.ContentMode
	caseSensitive bool

	byCode      map[string]*conceptNode
	ordered     []*conceptNode // definition order
	roots       []*conceptNode
	supplements []*provider.Supplement
}

// New builds a provider from a CodeSystem resource. Required fields are
// validated up front; malformed resources are rejected.
func New(res map[string]interface{}, supplements []*provider.Supplement) (*Provider, error) {
	if rt, _ := res["resourceType"].(string); rt != "CodeSystem" {
		return nil, term.Invalid("Invalid CodeSystem: resourceType is %q", rt)
	}
	url, _ := res["url"].(string)
	if url == "" {
		return nil, term.Invalid("Invalid CodeSystem: url is required")
	}
	p := &Provider{
		url:    url,
		byCode: make(map[string]*conceptNode),
	}
	p.version, _ = res["version"].(string)
	p.name, _ = res["name"].(string)
	p.description, _ = res["description"].(string)
	p.language, _ = res["language"].(string)
	if cs, ok := res["caseSensitive"].(bool); ok {
		p.caseSensitive = cs
	} else {
		p.caseSensitive = true
	}
	content, _ := res["content"].(string)
	if content == "" {
		content = string(term.ContentComplete)
	}
	p.content = term.ContentMode(content)
	if p.content == term.ContentSupplement {
		return nil, term.Invalid("Invalid CodeSystem: a supplement cannot back a provider")
	}

	concepts, _ := res["concept"].([]interface{})
	if err := p.loadConcepts(concepts, nil); err != nil {
		return nil, err
	}
	p.linkDeclaredRelations()
	for _, n := range p.ordered {
		if len(n.parents) == 0 {
			p.roots = append(p.roots, n)
		}
	}
	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, s := range supplements {
		if s.AppliesTo(p.url, p.version) {
			p.supplements = append(p.supplements, s)
		}
	}
	return p, nil
}

func (p *Provider) loadConcepts(concepts []interface{}, parent *conceptNode) error {
	for _, raw := range concepts {
		c, ok := raw.(map[string]interface{})
		if !ok {
			return term.Invalid("Invalid CodeSystem: concept entry is not an object")
		}
		code, _ := c["code"].(string)
		if code == "" {
			return term.Invalid("Invalid CodeSystem: code is required")
		}
		if _, dup := p.byCode[code]; dup {
			return term.Invalid("Invalid CodeSystem: duplicate code %q", code)
		}
		n := &conceptNode{code: code, order: len(p.ordered)}
		n.display, _ = c["display"].(string)
		n.definition, _ = c["definition"].(string)
		p.byCode[code] = n
		p.ordered = append(p.ordered, n)
		if parent != nil {
			n.parents = append(n.parents, parent)
			parent.children = append(parent.children, n)
		}
		p.loadDesignations(c, n)
		p.loadProperties(c, n)
		p.loadItemWeight(c, n)
		if children, ok := c["concept"].([]interface{}); ok {
			if err := p.loadConcepts(children, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) loadDesignations(c map[string]interface{}, n *conceptNode) {
	desigs, _ := c["designation"].([]interface{})
	for _, dr := range desigs {
		d, ok := dr.(map[string]interface{})
		if !ok {
			continue
		}
		des := term.Designation{}
		des.Language, _ = d["language"].(string)
		des.Value, _ = d["value"].(string)
		if use, ok := d["use"].(map[string]interface{}); ok {
			des.UseCode, _ = use["code"].(string)
			des.UseSystem, _ = use["system"].(string)
		}
		if des.Value != "" {
			n.designations = append(n.designations, des)
		}
	}
}

func (p *Provider) loadProperties(c map[string]interface{}, n *conceptNode) {
	props, _ := c["property"].([]interface{})
	for _, pr := range props {
		pm, ok := pr.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := pm["code"].(string)
		typ, val := propertyValue(pm)
		switch code {
		case "notSelectable":
			if b, ok := val.(bool); ok {
				n.abstract = b
			}
		case "inactive":
			if b, ok := val.(bool); ok {
				n.inactive = b
			}
		case "status":
			if s, ok := val.(string); ok {
				n.status = s
				if s == "retired" {
					n.deprecated = true
				}
				if s == "inactive" {
					n.inactive = true
				}
			}
		case "deprecated":
			if b, ok := val.(bool); ok && b {
				n.deprecated = true
			}
		case "deprecationDate":
			if s, ok := val.(string); ok && deprecationDue(s, time.Now()) {
				n.deprecated = true
			}
		case "itemWeight":
			n.itemWeight = fmt.Sprintf("%v", val)
		}
		if code != "" {
			n.properties = append(n.properties, provider.Property{Code: code, Type: typ, Value: val})
		}
	}
}

// deprecationDue reports whether a deprecationDate has passed. A value that
// does not parse as a date still reads as deprecated.
func deprecationDue(v string, now time.Time) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return !ts.After(now)
		}
	}
	return true
}

func (p *Provider) loadItemWeight(c map[string]interface{}, n *conceptNode) {
	exts, _ := c["extension"].([]interface{})
	for _, er := range exts {
		e, ok := er.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := e["url"].(string)
		if strings.HasSuffix(url, "/itemWeight") || strings.HasSuffix(url, "/ordinalValue") {
			if v, ok := e["valueDecimal"]; ok {
				n.itemWeight = fmt.Sprintf("%v", v)
			}
		}
	}
}

// linkDeclaredRelations wires hierarchy declared through concept properties
// ("parent"/"child") on top of the nesting-derived links.
func (p *Provider) linkDeclaredRelations() {
	link := func(parent, child *conceptNode) {
		for _, existing := range child.parents {
			if existing == parent {
				return
			}
		}
		child.parents = append(child.parents, parent)
		parent.children = append(parent.children, child)
	}
	for _, n := range p.ordered {
		for _, prop := range n.properties {
			code, _ := prop.Value.(string)
			if code == "" {
				continue
			}
			other := p.byCode[code]
			if other == nil {
				continue
			}
			switch prop.Code {
			case "parent":
				link(other, n)
			case "child":
				link(n, other)
			}
		}
	}
}

// checkAcyclic verifies the hierarchy is a DAG.
func (p *Provider) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	state := make(map[*conceptNode]int, len(p.ordered))
	var visit func(n *conceptNode) error
	visit = func(n *conceptNode) error {
		switch state[n] {
		case grey:
			return term.Invalid("Invalid CodeSystem: hierarchy contains a cycle at %q", n.code)
		case black:
			return nil
		}
		state[n] = grey
		for _, c := range n.children {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[n] = black
		return nil
	}
	for _, n := range p.ordered {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// -- metadata --

func (p *Provider) System() string  { return p.url }
func (p *Provider) Version() string { return p.version }

func (p *Provider) Description() string {
	if p.description != "" {
		return p.description
	}
	return p.name
}

func (p *Provider) TotalCount() int { return len(p.ordered) }

func (p *Provider) HasParents() bool {
	for _, n := range p.ordered {
		if len(n.parents) > 0 {
			return true
		}
	}
	return false
}

func (p *Provider) ContentMode() term.ContentMode { return p.content }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	if langs.IsEmpty() {
		return true
	}
	csLang := p.language
	if csLang == "" {
		csLang = "en"
	}
	if langs.Matches(csLang) {
		return true
	}
	for _, n := range p.ordered {
		for _, d := range n.designations {
			if langs.Matches(d.Language) {
				return true
			}
		}
	}
	for _, s := range p.supplements {
		if s.Language != "" && langs.Matches(s.Language) {
			return true
		}
		for _, desigs := range s.Designations {
			for _, d := range desigs {
				if langs.Matches(d.Language) {
					return true
				}
			}
		}
	}
	return false
}

func (p *Provider) ListSupplements() []string {
	out := make([]string, 0, len(p.supplements))
	for _, s := range p.supplements {
		out = append(out, s.Identifier())
	}
	return out
}

// -- concept access --

func (p *Provider) Locate(code string) provider.Located {
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	n := p.byCode[code]
	if n == nil && !p.caseSensitive {
		for c, cand := range p.byCode {
			if strings.EqualFold(c, code) {
				n = cand
				break
			}
		}
	}
	if n == nil {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in the CodeSystem '%s'", code, p.url)}
	}
	return provider.Located{Context: &conceptContext{node: n}}
}

func (p *Provider) handle(h provider.Context) (*conceptNode, error) {
	cc, ok := h.(*conceptContext)
	if !ok {
		return nil, provider.WrongHandle(p.url, h)
	}
	return cc.node, nil
}

func (p *Provider) Code(h provider.Context) (string, error) {
	n, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return n.code, nil
}

func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	n, err := p.handle(h)
	if err != nil {
		return "", err
	}
	var set term.DesignationSet
	p.collectDesignations(n, &set)
	if best, ok := set.BestForLanguages(langs.Expand()); ok {
		return best.Value, nil
	}
	return n.display, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	n, err := p.handle(h)
	if err != nil {
		return err
	}
	p.collectDesignations(n, out)
	return nil
}

func (p *Provider) collectDesignations(n *conceptNode, out *term.DesignationSet) {
	if n.display != "" {
		out.Add(term.Designation{Language: p.language, UseCode: "display", Value: n.display})
	}
	for _, d := range n.designations {
		out.Add(d)
	}
	for _, s := range p.supplements {
		for _, d := range s.Designations[n.code] {
			out.Add(d)
		}
	}
}

func (p *Provider) IsAbstract(h provider.Context) bool {
	n, err := p.handle(h)
	return err == nil && n.abstract
}

func (p *Provider) IsInactive(h provider.Context) bool {
	n, err := p.handle(h)
	return err == nil && n.inactive
}

func (p *Provider) IsDeprecated(h provider.Context) bool {
	n, err := p.handle(h)
	return err == nil && n.deprecated
}

func (p *Provider) Status(h provider.Context) string {
	n, err := p.handle(h)
	if err != nil {
		return ""
	}
	return n.status
}

func (p *Provider) ItemWeight(h provider.Context) string {
	n, err := p.handle(h)
	if err != nil {
		return ""
	}
	if n.itemWeight != "" {
		return n.itemWeight
	}
	for _, s := range p.supplements {
		for _, prop := range s.Properties[n.code] {
			if prop.Code == "itemWeight" {
				return fmt.Sprintf("%v", prop.Value)
			}
		}
	}
	return ""
}

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	n, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	out := append([]provider.Property{}, n.properties...)
	for _, s := range p.supplements {
		out = append(out, s.Properties[n.code]...)
	}
	return out, nil
}

func (p *Provider) Parent(code string) string {
	n := p.byCode[code]
	if n == nil || len(n.parents) == 0 {
		return ""
	}
	return n.parents[0].code
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	na, errA := p.handle(a)
	nb, errB := p.handle(b)
	return errA == nil && errB == nil && na == nb
}

// isDescendant walks up from child looking for ancestor.
func isDescendant(child, ancestor *conceptNode) bool {
	for _, parent := range child.parents {
		if parent == ancestor || isDescendant(parent, ancestor) {
			return true
		}
	}
	return false
}

func (p *Provider) LocateIsA(child, parent string, disallowSelf bool) provider.Located {
	cn := p.byCode[child]
	if cn == nil {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in the CodeSystem '%s'", child, p.url)}
	}
	pn := p.byCode[parent]
	if pn == nil {
		return provider.Located{Message: fmt.Sprintf("Unknown code '%s' in the CodeSystem '%s'", parent, p.url)}
	}
	if cn == pn {
		if disallowSelf {
			return provider.Located{Message: fmt.Sprintf("Code '%s' is the same as '%s', not a descendant", child, parent)}
		}
		return provider.Located{Context: &conceptContext{node: cn}}
	}
	if isDescendant(cn, pn) {
		return provider.Located{Context: &conceptContext{node: cn}}
	}
	return provider.Located{Message: fmt.Sprintf("Code '%s' is not a descendant of '%s'", child, parent)}
}

func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	na := p.byCode[a]
	if na == nil {
		return "", term.NotFound("Unknown code '%s' in the CodeSystem '%s'", a, p.url)
	}
	nb := p.byCode[b]
	if nb == nil {
		return "", term.NotFound("Unknown code '%s' in the CodeSystem '%s'", b, p.url)
	}
	switch {
	case na == nb:
		return term.Equivalent, nil
	case isDescendant(nb, na):
		return term.Subsumes, nil
	case isDescendant(na, nb):
		return term.SubsumedBy, nil
	}
	return term.NotSubsumed, nil
}

// -- iteration --

func (p *Provider) Iterator(h provider.Context) (provider.Iterator, error) {
	var nodes []*conceptNode
	if h == nil {
		nodes = p.roots
	} else {
		n, err := p.handle(h)
		if err != nil {
			return nil, err
		}
		nodes = n.children
	}
	return p.sliceIterator(nodes), nil
}

func (p *Provider) IteratorAll() (provider.Iterator, error) {
	return p.sliceIterator(p.ordered), nil
}

func (p *Provider) sliceIterator(nodes []*conceptNode) provider.Iterator {
	handles := make([]provider.Context, len(nodes))
	for i, n := range nodes {
		handles[i] = &conceptContext{node: n}
	}
	return provider.NewSliceIterator(handles)
}

// -- filtering --

// filterSpec is the provider-native prepared filter: a closure producing the
// matching code set.
type filterSpec struct {
	describe string
	run      func() ([]string, error)
}

var supportedOps = map[string]map[term.FilterOperator]bool{
	"concept": {term.OpIsA: true, term.OpIsNotA: true, term.OpDescendentOf: true, term.OpGeneralizes: true},
	"code":    {term.OpEquals: true, term.OpIn: true, term.OpRegex: true},
	"child":   {term.OpExists: true},
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	if ops, ok := supportedOps[property]; ok && ops[op] {
		return true
	}
	// Declared properties support = / in / not-in / regex.
	switch op {
	case term.OpEquals, term.OpIn, term.OpNotIn, term.OpRegex:
		return p.hasProperty(property)
	}
	return false
}

func (p *Provider) hasProperty(property string) bool {
	for _, n := range p.ordered {
		for _, prop := range n.properties {
			if prop.Code == property {
				return true
			}
		}
	}
	return false
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	switch {
	case property == "concept" && (op == term.OpIsA || op == term.OpDescendentOf):
		includeSelf := op == term.OpIsA
		prep.Add(&filterSpec{
			describe: fmt.Sprintf("concept %s %s", op, value),
			run:      func() ([]string, error) { return p.descendantsOf(value, includeSelf) },
		})
	case property == "concept" && op == term.OpIsNotA:
		prep.Add(&filterSpec{
			describe: "concept is-not-a " + value,
			run: func() ([]string, error) {
				excluded, err := p.descendantsOf(value, true)
				if err != nil {
					return nil, err
				}
				drop := make(map[string]bool, len(excluded))
				for _, c := range excluded {
					drop[c] = true
				}
				var out []string
				for _, n := range p.ordered {
					if !drop[n.code] {
						out = append(out, n.code)
					}
				}
				return out, nil
			},
		})
	case property == "concept" && op == term.OpGeneralizes:
		prep.Add(&filterSpec{
			describe: "concept generalizes " + value,
			run:      func() ([]string, error) { return p.ancestorsOf(value, true) },
		})
	case property == "code" && op == term.OpEquals:
		prep.Add(&filterSpec{
			describe: "code = " + value,
			run: func() ([]string, error) {
				if p.byCode[value] == nil {
					return nil, nil
				}
				return []string{value}, nil
			},
		})
	case property == "code" && op == term.OpIn:
		codes := splitList(value)
		prep.Add(&filterSpec{
			describe: "code in " + value,
			run: func() ([]string, error) {
				var out []string
				for _, c := range codes {
					if p.byCode[c] != nil {
						out = append(out, c)
					}
				}
				return out, nil
			},
		})
	case property == "code" && op == term.OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return term.Invalid("Invalid regex pattern %q: %v", value, err)
		}
		prep.Add(&filterSpec{
			describe: "code regex " + value,
			run: func() ([]string, error) {
				var out []string
				for _, n := range p.ordered {
					if re.MatchString(n.code) {
						out = append(out, n.code)
					}
				}
				return out, nil
			},
		})
	case property == "child" && op == term.OpExists:
		want, err := parseBool(value)
		if err != nil {
			return err
		}
		prep.Add(&filterSpec{
			describe: "child exists " + value,
			run: func() ([]string, error) {
				var out []string
				for _, n := range p.ordered {
					if (len(n.children) > 0) == want {
						out = append(out, n.code)
					}
				}
				return out, nil
			},
		})
	default:
		return p.buildPropertyFilter(prep, property, op, value)
	}
	return nil
}

func (p *Provider) buildPropertyFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	if !p.hasProperty(property) {
		return term.NotSupported("the filter (%s %s %s) is not supported by CodeSystem '%s'", property, op, value, p.url)
	}
	match := func(n *conceptNode, pred func(string) bool) bool {
		for _, prop := range n.properties {
			if prop.Code == property && pred(fmt.Sprintf("%v", prop.Value)) {
				return true
			}
		}
		return false
	}
	var pred func(string) bool
	switch op {
	case term.OpEquals:
		pred = func(v string) bool { return v == value }
	case term.OpIn:
		allowed := map[string]bool{}
		for _, v := range splitList(value) {
			allowed[v] = true
		}
		pred = func(v string) bool { return allowed[v] }
	case term.OpNotIn:
		denied := map[string]bool{}
		for _, v := range splitList(value) {
			denied[v] = true
		}
		pred = func(v string) bool { return !denied[v] }
	case term.OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return term.Invalid("Invalid regex pattern %q: %v", value, err)
		}
		pred = re.MatchString
	default:
		return term.NotSupported("the filter (%s %s %s) is not supported by CodeSystem '%s'", property, op, value, p.url)
	}
	prep.Add(&filterSpec{
		describe: fmt.Sprintf("%s %s %s", property, op, value),
		run: func() ([]string, error) {
			var out []string
			for _, n := range p.ordered {
				if match(n, pred) {
					out = append(out, n.code)
				}
			}
			return out, nil
		},
	})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var out []provider.Filter
	for _, raw := range prep.Specs() {
		spec, ok := raw.(*filterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to CodeSystem '%s'", p.url)
		}
		if err := ctx.DeadCheck("fhircs.ExecuteFilters"); err != nil {
			return nil, err
		}
		codes, err := spec.run()
		if err != nil {
			return nil, err
		}
		out = append(out, provider.NewCodeSetFilter(p, codes))
	}
	return out, nil
}

func (p *Provider) descendantsOf(code string, includeSelf bool) ([]string, error) {
	root := p.byCode[code]
	if root == nil {
		return nil, term.NotFound("Unknown code '%s' in the CodeSystem '%s'", code, p.url)
	}
	seen := map[*conceptNode]bool{}
	var out []string
	var walk func(n *conceptNode)
	walk = func(n *conceptNode) {
		for _, c := range n.children {
			if !seen[c] {
				seen[c] = true
				out = append(out, c.code)
				walk(c)
			}
		}
	}
	walk(root)
	if includeSelf {
		out = append(out, root.code)
	}
	return out, nil
}

func (p *Provider) ancestorsOf(code string, includeSelf bool) ([]string, error) {
	n := p.byCode[code]
	if n == nil {
		return nil, term.NotFound("Unknown code '%s' in the CodeSystem '%s'", code, p.url)
	}
	seen := map[*conceptNode]bool{}
	var out []string
	var walk func(n *conceptNode)
	walk = func(n *conceptNode) {
		for _, parent := range n.parents {
			if !seen[parent] {
				seen[parent] = true
				out = append(out, parent.code)
				walk(parent)
			}
		}
	}
	walk(n)
	if includeSelf {
		out = append(out, n.code)
	}
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseBool(value string) (bool, error) {
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, term.Invalid("expected 'true' or 'false', got %q", value)
}

// propertyValue extracts the typed value[x] from a property element.
func propertyValue(p map[string]interface{}) (string, interface{}) {
	if v, ok := p["valueCode"]; ok {
		return "code", v
	}
	if v, ok := p["valueString"]; ok {
		return "string", v
	}
	if v, ok := p["valueInteger"]; ok {
		return "integer", v
	}
	if v, ok := p["valueDecimal"]; ok {
		return "decimal", v
	}
	if v, ok := p["valueBoolean"]; ok {
		return "boolean", v
	}
	if v, ok := p["valueCoding"]; ok {
		return "Coding", v
	}
	if v, ok := p["valueDateTime"]; ok {
		return "dateTime", v
	}
	return "", nil
}
