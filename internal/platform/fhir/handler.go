package fhir

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/cache"
	"github.com/fhirterm/fhirterm/internal/term/expand"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/worker"
)

// InstanceResolver resolves stored resources by server-assigned id for the
// instance-level operation endpoints.
type InstanceResolver interface {
	ResourceByID(resourceType, id string) (map[string]interface{}, bool)
}

// Handler serves the terminology operations.
type Handler struct {
	Worker     *worker.Worker
	Resolver   InstanceResolver
	Resources  *cache.ResourceCache
	Expansions *cache.ExpansionCache
	Budget     time.Duration
	Logger     zerolog.Logger
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/metadata", h.Metadata)

	fhirGroup.GET("/CodeSystem/$lookup", h.Lookup)
	fhirGroup.POST("/CodeSystem/$lookup", h.Lookup)
	fhirGroup.GET("/CodeSystem/$validate-code", h.ValidateCodeSystem)
	fhirGroup.POST("/CodeSystem/$validate-code", h.ValidateCodeSystem)
	fhirGroup.GET("/CodeSystem/$subsumes", h.Subsumes)
	fhirGroup.POST("/CodeSystem/$subsumes", h.Subsumes)

	fhirGroup.GET("/ValueSet/$expand", h.Expand)
	fhirGroup.POST("/ValueSet/$expand", h.Expand)
	fhirGroup.GET("/ValueSet/:id/$expand", h.ExpandInstance)
	fhirGroup.POST("/ValueSet/:id/$expand", h.ExpandInstance)
	fhirGroup.GET("/ValueSet/$validate-code", h.ValidateValueSet)
	fhirGroup.POST("/ValueSet/$validate-code", h.ValidateValueSet)

	fhirGroup.GET("/ConceptMap/$translate", h.Translate)
	fhirGroup.POST("/ConceptMap/$translate", h.Translate)
	fhirGroup.GET("/ConceptMap/:id/$translate", h.TranslateInstance)
	fhirGroup.POST("/ConceptMap/:id/$translate", h.TranslateInstance)
}

// newContext builds the OperationContext for one request: request id from the
// middleware, languages from the header and displayLanguage parameters, and
// the resource view merged from the cache-id bucket and tx-resource inputs.
func (h *Handler) newContext(c echo.Context, p *Params) (*opctx.OperationContext, *cache.ResourceView) {
	rid, _ := c.Get("request_id").(string)
	octx := opctx.New(opctx.Options{
		RequestID:        rid,
		AcceptLanguages:  lang.Parse(c.Request().Header.Get("Accept-Language")),
		DisplayLanguages: lang.New(p.Strings("displayLanguage")...),
		Budget:           h.Budget,
	})

	txResources := p.Resources("tx-resource")
	var view *cache.ResourceView
	if cacheID, ok := p.String("cache-id"); ok && h.Resources != nil {
		if len(txResources) > 0 {
			h.Resources.Add(cacheID, txResources)
		}
		view = h.Resources.View(cacheID)
	} else {
		view = cache.NewResourceView(txResources)
	}
	octx.Resources = view
	if h.Expansions != nil {
		octx.Expansions = h.Expansions
	}
	return octx, view
}

func (h *Handler) renderError(c echo.Context, err error) error {
	out, status := OutcomeFromError(err)
	return c.JSON(status, out)
}

// Lookup serves CodeSystem/$lookup.
func (h *Handler) Lookup(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	octx, _ := h.newContext(c, p)

	req := worker.LookupRequest{}
	if coding, ok := p.Coding("coding"); ok {
		req.System, req.Code, req.Version = coding.System, coding.Code, coding.Version
	}
	if s, ok := p.String("system"); ok {
		req.System = s
	}
	if s, ok := p.String("code"); ok {
		req.Code = s
	}
	if s, ok := p.String("version"); ok {
		req.Version = s
	}
	req.Properties = p.Strings("property")

	res, err := h.Worker.Lookup(octx, req)
	if err != nil {
		return h.renderError(c, err)
	}

	b := NewParameters().
		Add("name", "valueString", res.Name).
		Add("display", "valueString", res.Display)
	if res.Version != "" {
		b.Add("version", "valueString", res.Version)
	}
	for _, prop := range res.Properties {
		b.AddParts("property",
			Part("code", "valueCode", prop.Code),
			Part("value", PropertyValueType(prop.Type), prop.Value))
	}
	for _, d := range res.Designations {
		parts := []map[string]interface{}{}
		if d.Language != "" {
			parts = append(parts, Part("language", "valueCode", d.Language))
		}
		if d.UseCode != "" {
			parts = append(parts, Part("use", "valueCoding", CodingValue(term.Coding{
				System: d.UseSystem, Code: d.UseCode,
			})))
		}
		parts = append(parts, Part("value", "valueString", d.Value))
		b.AddParts("designation", parts...)
	}
	return c.JSON(http.StatusOK, b.Build())
}

// ValidateCodeSystem serves CodeSystem/$validate-code; url names the system.
func (h *Handler) ValidateCodeSystem(c echo.Context) error {
	return h.validate(c, false)
}

// ValidateValueSet serves ValueSet/$validate-code; url names the value set.
func (h *Handler) ValidateValueSet(c echo.Context) error {
	return h.validate(c, true)
}

func (h *Handler) validate(c echo.Context, valueSetContext bool) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	octx, _ := h.newContext(c, p)

	req := worker.ValidateRequest{}
	system, _ := p.String("system")
	url, hasURL := p.String("url")
	if valueSetContext {
		if hasURL {
			req.ValueSetURL = url
		}
		if vs, ok := p.Resource("valueSet"); ok {
			req.ValueSet = vs
		}
	} else if system == "" && hasURL {
		system = url
	}

	version, _ := p.String("version")
	if code, ok := p.String("code"); ok {
		req.Codings = append(req.Codings, term.Coding{System: system, Code: code, Version: version})
	}
	if coding, ok := p.Coding("coding"); ok {
		if coding.System == "" {
			coding.System = system
		}
		req.Codings = append(req.Codings, coding)
	}
	if codings, ok := p.CodeableConcept("codeableConcept"); ok {
		req.Codings = append(req.Codings, codings...)
	}
	req.Display, _ = p.String("display")
	req.ActiveOnly, _ = p.Bool("activeOnly")

	res, err := h.Worker.ValidateCode(octx, req)
	if err != nil {
		return h.renderError(c, err)
	}

	b := NewParameters().Add("result", "valueBoolean", res.Result)
	if res.Message != "" {
		b.Add("message", "valueString", res.Message)
	}
	if res.Display != "" {
		b.Add("display", "valueString", res.Display)
	}
	if res.Code != "" {
		b.Add("code", "valueCode", res.Code)
	}
	if res.System != "" {
		b.Add("system", "valueUri", res.System)
	}
	if res.Version != "" {
		b.Add("version", "valueString", res.Version)
	}
	return c.JSON(http.StatusOK, b.Build())
}

// Expand serves ValueSet/$expand.
func (h *Handler) Expand(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	return h.expand(c, p, nil)
}

// ExpandInstance serves ValueSet/:id/$expand through the stored registry.
func (h *Handler) ExpandInstance(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	vs, ok := h.Resolver.ResourceByID("ValueSet", c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("ValueSet", c.Param("id")))
	}
	return h.expand(c, p, vs)
}

func (h *Handler) expand(c echo.Context, p *Params, inline map[string]interface{}) error {
	octx, view := h.newContext(c, p)

	req := worker.ExpandRequest{ValueSet: inline}
	if req.ValueSet == nil {
		if vs, ok := p.Resource("valueSet"); ok {
			req.ValueSet = vs
		}
	}
	req.URL, _ = p.String("url")

	params := expand.Parameters{Count: -1}
	params.ActiveOnly, _ = p.Bool("activeOnly")
	params.IncludeDesignations, _ = p.Bool("includeDesignations")
	params.LimitedExpansion, _ = p.Bool("limitedExpansion")
	params.IncompleteOK, _ = p.Bool("incomplete-ok")
	params.Filter, _ = p.String("filter")
	if n, ok := p.Int("offset"); ok {
		params.Offset = n
	}
	if n, ok := p.Int("count"); ok {
		params.Count = n
	}
	params.VersionRules = versionRules(p)
	params.ResourceHashes = view.Hashes()
	req.Params = params

	expanded, err := h.Worker.Expand(octx, req)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(http.StatusOK, expanded)
}

// versionRules reads the three system-version parameter families. The value
// format is "system|version"; the parameter name picks the mode.
func versionRules(p *Params) []expand.VersionRule {
	var rules []expand.VersionRule
	modes := []struct {
		param string
		mode  string
	}{
		{"system-version", "default"},
		{"check-system-version", "check"},
		{"force-system-version", "override"},
	}
	for _, m := range modes {
		for _, v := range p.Strings(m.param) {
			cut := strings.LastIndex(v, "|")
			if cut <= 0 {
				continue
			}
			rules = append(rules, expand.VersionRule{
				System:  v[:cut],
				Version: v[cut+1:],
				Mode:    m.mode,
			})
		}
	}
	return rules
}

// Subsumes serves CodeSystem/$subsumes.
func (h *Handler) Subsumes(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	octx, _ := h.newContext(c, p)

	req := worker.SubsumesRequest{}
	req.System, _ = p.String("system")
	req.Version, _ = p.String("version")
	req.CodeA, _ = p.String("codeA")
	req.CodeB, _ = p.String("codeB")
	codingA, okA := p.Coding("codingA")
	codingB, okB := p.Coding("codingB")
	if okA && okB {
		if codingA.System != codingB.System {
			return h.renderError(c, term.Invalid(
				"codingA system '%s' does not match codingB system '%s'",
				codingA.System, codingB.System))
		}
		if req.System == "" {
			req.System = codingA.System
		}
		req.CodeA, req.CodeB = codingA.Code, codingB.Code
	}

	outcome, err := h.Worker.Subsumes(octx, req)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(http.StatusOK, NewParameters().
		Add("outcome", "valueCode", string(outcome)).Build())
}

// Translate serves ConceptMap/$translate.
func (h *Handler) Translate(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	return h.translate(c, p, "")
}

// TranslateInstance serves ConceptMap/:id/$translate. A missing source code
// reads as a bad request even though the id resolved.
func (h *Handler) TranslateInstance(c echo.Context) error {
	p, err := ParseRequest(c)
	if err != nil {
		return h.renderError(c, err)
	}
	cm, ok := h.Resolver.ResourceByID("ConceptMap", c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, NotFoundOutcome("ConceptMap", c.Param("id")))
	}
	url, _ := cm["url"].(string)
	return h.translate(c, p, url)
}

func (h *Handler) translate(c echo.Context, p *Params, mapURL string) error {
	octx, _ := h.newContext(c, p)

	req := worker.TranslateRequest{URL: mapURL}
	if req.URL == "" {
		req.URL, _ = p.String("url")
	}
	req.ConceptMapVersion, _ = p.String("conceptMapVersion")
	req.SourceSystem = first(p, "system", "sourceSystem")
	req.SourceCode = first(p, "code", "sourceCode")
	req.SourceVersion = first(p, "version", "sourceVersion")
	req.TargetSystem = first(p, "targetSystem", "targetsystem")
	req.SourceScope = first(p, "sourceScope", "source")
	req.TargetScope = first(p, "targetScope", "target")
	if coding, ok := p.Coding("sourceCoding"); ok {
		req.SourceSystem, req.SourceCode = coding.System, coding.Code
	} else if coding, ok := p.Coding("coding"); ok {
		req.SourceSystem, req.SourceCode = coding.System, coding.Code
	}
	if codings, ok := p.CodeableConcept("sourceCodeableConcept"); ok && len(codings) > 0 {
		req.SourceSystem, req.SourceCode = codings[0].System, codings[0].Code
	}

	res, err := h.Worker.Translate(octx, req)
	if err != nil {
		return h.renderError(c, err)
	}

	b := NewParameters().Add("result", "valueBoolean", res.Result)
	if res.Message != "" {
		b.Add("message", "valueString", res.Message)
	}
	for _, m := range res.Matches {
		parts := []map[string]interface{}{
			Part("relationship", "valueCode", m.Relationship),
			Part("concept", "valueCoding", CodingValue(m.Concept)),
		}
		if m.Source != "" {
			parts = append(parts, Part("source", "valueUri", m.Source))
		}
		b.AddParts("match", parts...)
	}
	return c.JSON(http.StatusOK, b.Build())
}

func first(p *Params, names ...string) string {
	for _, name := range names {
		if v, ok := p.String(name); ok {
			return v
		}
	}
	return ""
}
