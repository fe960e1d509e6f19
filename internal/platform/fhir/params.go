package fhir

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirterm/fhirterm/internal/term"
)

// paramEntry is one operation input. Typ is the FHIR element name that
// carried the value ("valueUri", "valueCode", "resource", ...); query-string
// inputs arrive as "valueString".
type paramEntry struct {
	Name string
	Typ  string
	Val  interface{}
}

// Params is the normalized view over an operation's inputs, whether they came
// in as query parameters or as a POSTed Parameters resource. Typing is
// lenient: valueUri, valueString, and valueCode are interchangeable wherever
// the meaning is unambiguous.
type Params struct {
	entries []paramEntry
}

// ParseRequest normalizes the request inputs. GET reads the query string;
// POST expects a Parameters resource body.
func ParseRequest(c echo.Context) (*Params, error) {
	if c.Request().Method == http.MethodGet {
		p := &Params{}
		q := c.QueryParams()
		for name, values := range q {
			for _, v := range values {
				p.entries = append(p.entries, paramEntry{Name: name, Typ: "valueString", Val: v})
			}
		}
		return p, nil
	}

	var body map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, term.Invalid("Invalid request body: %v", err)
	}
	if rt, _ := body["resourceType"].(string); rt != "Parameters" {
		return nil, term.Invalid("Request body must be a Parameters resource, got '%v'", body["resourceType"])
	}
	p := &Params{}
	raw, _ := body["parameter"].([]interface{})
	for _, pr := range raw {
		entry, ok := pr.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		added := false
		for k, v := range entry {
			if k == "resource" || strings.HasPrefix(k, "value") {
				p.entries = append(p.entries, paramEntry{Name: name, Typ: k, Val: v})
				added = true
			}
		}
		if parts, ok := entry["part"].([]interface{}); ok {
			p.entries = append(p.entries, paramEntry{Name: name, Typ: "part", Val: parts})
			added = true
		}
		if !added {
			p.entries = append(p.entries, paramEntry{Name: name, Typ: "", Val: nil})
		}
	}
	return p, nil
}

// String returns the first scalar value for name.
func (p *Params) String(name string) (string, bool) {
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		if s, ok := scalarString(e.Val); ok {
			return s, true
		}
	}
	return "", false
}

// Strings returns every scalar value for name, in declared order.
func (p *Params) Strings(name string) []string {
	var out []string
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		if s, ok := scalarString(e.Val); ok {
			out = append(out, s)
		}
	}
	return out
}

// Bool returns the first value for name read as a boolean.
func (p *Params) Bool(name string) (bool, bool) {
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		switch v := e.Val.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			if err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// Int returns the first value for name read as an integer.
func (p *Params) Int(name string) (int, bool) {
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		switch v := e.Val.(type) {
		case float64:
			return int(v), true
		case string:
			n, err := strconv.Atoi(v)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Coding returns the first complex Coding value for name.
func (p *Params) Coding(name string) (term.Coding, bool) {
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		if m, ok := e.Val.(map[string]interface{}); ok {
			return codingOf(m), true
		}
	}
	return term.Coding{}, false
}

// CodeableConcept returns the codings of the first CodeableConcept value.
func (p *Params) CodeableConcept(name string) ([]term.Coding, bool) {
	for _, e := range p.entries {
		if e.Name != name {
			continue
		}
		m, ok := e.Val.(map[string]interface{})
		if !ok {
			continue
		}
		raw, _ := m["coding"].([]interface{})
		var out []term.Coding
		for _, cr := range raw {
			if cm, ok := cr.(map[string]interface{}); ok {
				out = append(out, codingOf(cm))
			}
		}
		return out, true
	}
	return nil, false
}

// Resource returns the first resource value for name.
func (p *Params) Resource(name string) (map[string]interface{}, bool) {
	for _, e := range p.entries {
		if e.Name != name || e.Typ != "resource" {
			continue
		}
		if m, ok := e.Val.(map[string]interface{}); ok {
			return m, true
		}
	}
	return nil, false
}

// Resources returns every resource value for name, in declared order.
func (p *Params) Resources(name string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range p.entries {
		if e.Name != name || e.Typ != "resource" {
			continue
		}
		if m, ok := e.Val.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func scalarString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	}
	return "", false
}

func codingOf(m map[string]interface{}) term.Coding {
	c := term.Coding{}
	c.System, _ = m["system"].(string)
	c.Version, _ = m["version"].(string)
	c.Code, _ = m["code"].(string)
	c.Display, _ = m["display"].(string)
	return c
}

// ParametersBuilder assembles a response Parameters resource.
type ParametersBuilder struct {
	params []map[string]interface{}
}

func NewParameters() *ParametersBuilder {
	return &ParametersBuilder{}
}

// Add appends one parameter; typ is the FHIR value element name.
func (b *ParametersBuilder) Add(name, typ string, v interface{}) *ParametersBuilder {
	b.params = append(b.params, map[string]interface{}{"name": name, typ: v})
	return b
}

// AddParts appends one multi-part parameter.
func (b *ParametersBuilder) AddParts(name string, parts ...map[string]interface{}) *ParametersBuilder {
	b.params = append(b.params, map[string]interface{}{"name": name, "part": parts})
	return b
}

// Part builds one part of a multi-part parameter.
func Part(name, typ string, v interface{}) map[string]interface{} {
	return map[string]interface{}{"name": name, typ: v}
}

// Build renders the Parameters resource.
func (b *ParametersBuilder) Build() map[string]interface{} {
	params := b.params
	if params == nil {
		params = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}

// PropertyValueType maps a provider property type to its Parameters element.
func PropertyValueType(typ string) string {
	switch typ {
	case "code":
		return "valueCode"
	case "integer":
		return "valueInteger"
	case "decimal":
		return "valueDecimal"
	case "boolean":
		return "valueBoolean"
	case "Coding":
		return "valueCoding"
	default:
		return "valueString"
	}
}

// CodingValue renders a term.Coding as a FHIR Coding element.
func CodingValue(c term.Coding) map[string]interface{} {
	out := map[string]interface{}{}
	if c.System != "" {
		out["system"] = c.System
	}
	if c.Version != "" {
		out["version"] = c.Version
	}
	if c.Code != "" {
		out["code"] = c.Code
	}
	if c.Display != "" {
		out["display"] = c.Display
	}
	return out
}
