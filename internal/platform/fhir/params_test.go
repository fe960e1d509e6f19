package fhir

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"

	"github.com/fhirterm/fhirterm/internal/term"
)

func parseGET(t *testing.T, query string) *Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/op?"+query, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	p, err := ParseRequest(c)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	return p
}

func parsePOST(t *testing.T, body string) (*Params, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/op", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c := e.NewContext(req, httptest.NewRecorder())
	return ParseRequest(c)
}

func TestParseQueryParams(t *testing.T) {
	p := parseGET(t, "system=http://example.org/cs&code=a1&property=status&property=parent")

	if got, _ := p.String("system"); got != "http://example.org/cs" {
		t.Errorf("system = %q", got)
	}
	props := p.Strings("property")
	if diff := cmp.Diff([]string{"status", "parent"}, props); diff != "" {
		t.Errorf("property mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p.String("missing"); ok {
		t.Error("expected missing parameter to report absent")
	}
}

func TestValueTypesAreInterchangeable(t *testing.T) {
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "url", "valueUri": "http://example.org/vs"},
			{"name": "code", "valueCode": "a1"},
			{"name": "display", "valueString": "Alpha"}
		]
	}`
	p, err := parsePOST(t, body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	for name, want := range map[string]string{
		"url": "http://example.org/vs", "code": "a1", "display": "Alpha",
	} {
		if got, ok := p.String(name); !ok || got != want {
			t.Errorf("String(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
}

func TestBoolAndIntConversion(t *testing.T) {
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "activeOnly", "valueBoolean": true},
			{"name": "limited", "valueString": "true"},
			{"name": "count", "valueInteger": 25},
			{"name": "offset", "valueString": "10"}
		]
	}`
	p, err := parsePOST(t, body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	if b, ok := p.Bool("activeOnly"); !ok || !b {
		t.Errorf("Bool(activeOnly) = %v, %v", b, ok)
	}
	if b, ok := p.Bool("limited"); !ok || !b {
		t.Errorf("Bool over valueString = %v, %v", b, ok)
	}
	if n, ok := p.Int("count"); !ok || n != 25 {
		t.Errorf("Int(count) = %d, %v", n, ok)
	}
	if n, ok := p.Int("offset"); !ok || n != 10 {
		t.Errorf("Int over valueString = %d, %v", n, ok)
	}
}

func TestCodingAndCodeableConcept(t *testing.T) {
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "coding", "valueCoding": {"system": "http://example.org/cs", "code": "a1", "display": "Alpha"}},
			{"name": "codeableConcept", "valueCodeableConcept": {"coding": [
				{"system": "http://example.org/cs", "code": "a1"},
				{"system": "http://example.org/other", "code": "b2"}
			]}}
		]
	}`
	p, err := parsePOST(t, body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	coding, ok := p.Coding("coding")
	if !ok {
		t.Fatal("expected coding")
	}
	want := term.Coding{System: "http://example.org/cs", Code: "a1", Display: "Alpha"}
	if diff := cmp.Diff(want, coding); diff != "" {
		t.Errorf("coding mismatch (-want +got):\n%s", diff)
	}

	codings, ok := p.CodeableConcept("codeableConcept")
	if !ok || len(codings) != 2 {
		t.Fatalf("expected 2 codings, got %v, %v", codings, ok)
	}
	if codings[1].Code != "b2" {
		t.Errorf("second coding code = %q", codings[1].Code)
	}
}

func TestResourceParameters(t *testing.T) {
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "tx-resource", "resource": {"resourceType": "CodeSystem", "url": "http://a"}},
			{"name": "tx-resource", "resource": {"resourceType": "ValueSet", "url": "http://b"}}
		]
	}`
	p, err := parsePOST(t, body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	first, ok := p.Resource("tx-resource")
	if !ok || first["url"] != "http://a" {
		t.Errorf("Resource = %v, %v", first, ok)
	}
	all := p.Resources("tx-resource")
	if len(all) != 2 || all[1]["url"] != "http://b" {
		t.Errorf("Resources = %v", all)
	}
}

func TestParseRejectsNonParameters(t *testing.T) {
	_, err := parsePOST(t, `{"resourceType": "Patient"}`)
	if term.KindOf(err) != term.KindInvalid {
		t.Errorf("expected invalid error, got %v", err)
	}

	_, err = parsePOST(t, `not json`)
	if term.KindOf(err) != term.KindInvalid {
		t.Errorf("expected invalid error for bad JSON, got %v", err)
	}
}

func TestParametersBuilder(t *testing.T) {
	out := NewParameters().
		Add("result", "valueBoolean", true).
		AddParts("property",
			Part("code", "valueCode", "status"),
			Part("value", "valueString", "active")).
		Build()

	if out["resourceType"] != "Parameters" {
		t.Errorf("resourceType = %v", out["resourceType"])
	}
	params, ok := out["parameter"].([]map[string]interface{})
	if !ok || len(params) != 2 {
		t.Fatalf("parameter = %v", out["parameter"])
	}
	if params[0]["valueBoolean"] != true {
		t.Errorf("first parameter = %v", params[0])
	}
	parts, _ := params[1]["part"].([]map[string]interface{})
	if len(parts) != 2 || parts[0]["valueCode"] != "status" {
		t.Errorf("parts = %v", parts)
	}
}

func TestEmptyBuilderStillRendersParameterList(t *testing.T) {
	out := NewParameters().Build()
	if params, ok := out["parameter"].([]map[string]interface{}); !ok || params == nil {
		t.Errorf("expected empty non-nil parameter list, got %v", out["parameter"])
	}
}

func TestPropertyValueType(t *testing.T) {
	cases := map[string]string{
		"code":    "valueCode",
		"integer": "valueInteger",
		"decimal": "valueDecimal",
		"boolean": "valueBoolean",
		"Coding":  "valueCoding",
		"string":  "valueString",
		"":        "valueString",
	}
	for typ, want := range cases {
		if got := PropertyValueType(typ); got != want {
			t.Errorf("PropertyValueType(%q) = %q, want %q", typ, got, want)
		}
	}
}
