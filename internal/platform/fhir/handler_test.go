package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/platform/middleware"
	"github.com/fhirterm/fhirterm/internal/term/cache"
	"github.com/fhirterm/fhirterm/internal/term/provider"
	"github.com/fhirterm/fhirterm/internal/term/provider/fhircs"
	"github.com/fhirterm/fhirterm/internal/term/worker"
)

const (
	csURL = "http://example.org/fhir/CodeSystem/simple"
	vsURL = "http://example.org/fhir/ValueSet/simple-all"
	cmURL = "http://example.org/fhir/ConceptMap/simple-to-target"
)

func simpleCodeSystem() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"id":           "cs-simple",
		"url":          csURL,
		"version":      "1.0.0",
		"name":         "SimpleCodes",
		"status":       "active",
		"content":      "complete",
		"concept": []interface{}{
			map[string]interface{}{"code": "code1", "display": "Code One"},
			map[string]interface{}{
				"code": "code2", "display": "Code Two",
				"concept": []interface{}{
					map[string]interface{}{"code": "code2a", "display": "Code Two A"},
				},
			},
		},
	}
}

func simpleValueSet() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "ValueSet",
		"id":           "vs-simple",
		"url":          vsURL,
		"status":       "active",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": csURL},
			},
		},
	}
}

func simpleConceptMap() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "ConceptMap",
		"id":           "cm-simple",
		"url":          cmURL,
		"status":       "active",
		"group": []interface{}{
			map[string]interface{}{
				"source": csURL,
				"target": "http://example.org/target",
				"element": []interface{}{
					map[string]interface{}{
						"code": "code1",
						"target": []interface{}{
							map[string]interface{}{
								"code": "t1", "display": "Target One",
								"relationship": "equivalent",
							},
						},
					},
				},
			},
		},
	}
}

type fakeStore struct {
	resources []map[string]interface{}
}

func (s *fakeStore) Find(resourceType, url, version string) (map[string]interface{}, bool) {
	for _, r := range s.resources {
		if r["resourceType"] == resourceType && r["url"] == url {
			if version == "" || r["version"] == version {
				return r, true
			}
		}
	}
	return nil, false
}

func (s *fakeStore) AllOf(resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range s.resources {
		if r["resourceType"] == resourceType {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) ResourceByID(resourceType, id string) (map[string]interface{}, bool) {
	for _, r := range s.resources {
		if r["resourceType"] == resourceType && r["id"] == id {
			return r, true
		}
	}
	return nil, false
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	reg := provider.NewRegistry()
	p, err := fhircs.New(simpleCodeSystem(), nil)
	if err != nil {
		t.Fatalf("fhircs.New: %v", err)
	}
	reg.Register(p)

	store := &fakeStore{resources: []map[string]interface{}{
		simpleCodeSystem(), simpleValueSet(), simpleConceptMap(),
	}}
	w := &worker.Worker{Registry: reg, Store: store, Logger: zerolog.Nop()}
	h := &Handler{
		Worker:     w,
		Resolver:   store,
		Resources:  cache.NewResourceCache(),
		Expansions: cache.NewExpansionCache(cache.ExpansionCacheOptions{MaxEntries: 10}),
		Budget:     5 * time.Second,
		Logger:     zerolog.Nop(),
	}

	e := echo.New()
	e.Use(middleware.RequestID())
	h.RegisterRoutes(e.Group("/fhir"))
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return rec, out
}

func paramValue(t *testing.T, params map[string]interface{}, name string) interface{} {
	t.Helper()
	raw, _ := params["parameter"].([]interface{})
	for _, pr := range raw {
		entry, _ := pr.(map[string]interface{})
		if entry["name"] != name {
			continue
		}
		for k, v := range entry {
			if k != "name" && k != "part" {
				return v
			}
		}
		return entry["part"]
	}
	return nil
}

func TestLookupByQuery(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/CodeSystem/$lookup?system="+csURL+"&code=code1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "display"); got != "Code One" {
		t.Errorf("expected display 'Code One', got %v", got)
	}
	if got := paramValue(t, out, "name"); got != "SimpleCodes" {
		t.Errorf("expected name 'SimpleCodes', got %v", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}
}

func TestLookupUnknownCodeIsNotFound(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/CodeSystem/$lookup?system="+csURL+"&code=nope", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if out["resourceType"] != "OperationOutcome" {
		t.Fatalf("expected OperationOutcome, got %v", out["resourceType"])
	}
	issues, _ := out["issue"].([]interface{})
	issue, _ := issues[0].(map[string]interface{})
	if issue["code"] != "not-found" {
		t.Errorf("expected issue code not-found, got %v", issue["code"])
	}
}

func TestValidateCodePost(t *testing.T) {
	e := newTestServer(t)
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "coding", "valueCoding": {"system": "` + csURL + `", "code": "code2a"}}
		]
	}`
	rec, out := doJSON(t, e, http.MethodPost, "/fhir/CodeSystem/$validate-code", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "result"); got != true {
		t.Errorf("expected result true, got %v", got)
	}
	if got := paramValue(t, out, "display"); got != "Code Two A" {
		t.Errorf("expected display 'Code Two A', got %v", got)
	}
}

func TestValidateCodeWrongDisplay(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/CodeSystem/$validate-code?url="+csURL+"&code=code1&display=Wrong", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := paramValue(t, out, "result"); got != false {
		t.Errorf("expected result false for wrong display, got %v", got)
	}
	msg, _ := paramValue(t, out, "message").(string)
	if !strings.Contains(msg, "Code One") {
		t.Errorf("expected message to suggest valid display, got %q", msg)
	}
}

func TestValidateCodeAgainstValueSet(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/ValueSet/$validate-code?url="+vsURL+"&system="+csURL+"&code=code2", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "result"); got != true {
		t.Errorf("expected result true, got %v", got)
	}
}

func TestExpandByURL(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet, "/fhir/ValueSet/$expand?url="+vsURL, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	expansion, _ := out["expansion"].(map[string]interface{})
	if expansion == nil {
		t.Fatal("expected expansion")
	}
	contains, _ := expansion["contains"].([]interface{})
	if len(contains) != 3 {
		t.Errorf("expected 3 concepts, got %d", len(contains))
	}
	if total, _ := expansion["total"].(float64); int(total) != 3 {
		t.Errorf("expected total 3, got %v", expansion["total"])
	}
}

func TestExpandInstance(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet, "/fhir/ValueSet/vs-simple/$expand?count=1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	expansion, _ := out["expansion"].(map[string]interface{})
	contains, _ := expansion["contains"].([]interface{})
	if len(contains) != 1 {
		t.Errorf("expected 1 concept with count=1, got %d", len(contains))
	}
}

func TestExpandUnknownInstance(t *testing.T) {
	e := newTestServer(t)
	rec, _ := doJSON(t, e, http.MethodGet, "/fhir/ValueSet/nope/$expand", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestExpandInlineValueSet(t *testing.T) {
	e := newTestServer(t)
	vs, _ := json.Marshal(simpleValueSet())
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "valueSet", "resource": ` + string(vs) + `}
		]
	}`
	rec, out := doJSON(t, e, http.MethodPost, "/fhir/ValueSet/$expand", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	expansion, _ := out["expansion"].(map[string]interface{})
	contains, _ := expansion["contains"].([]interface{})
	if len(contains) != 3 {
		t.Errorf("expected 3 concepts, got %d", len(contains))
	}
}

func TestSubsumes(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/CodeSystem/$subsumes?system="+csURL+"&codeA=code2&codeB=code2a", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "outcome"); got != "subsumes" {
		t.Errorf("expected outcome subsumes, got %v", got)
	}
}

func TestSubsumesCodingSystemMismatch(t *testing.T) {
	e := newTestServer(t)
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "codingA", "valueCoding": {"system": "` + csURL + `", "code": "code1"}},
			{"name": "codingB", "valueCoding": {"system": "http://example.org/other", "code": "x"}}
		]
	}`
	rec, _ := doJSON(t, e, http.MethodPost, "/fhir/CodeSystem/$subsumes", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for mismatched coding systems, got %d", rec.Code)
	}
}

func TestTranslate(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet,
		"/fhir/ConceptMap/$translate?url="+cmURL+"&system="+csURL+"&code=code1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "result"); got != true {
		t.Errorf("expected result true, got %v", got)
	}
	parts, _ := paramValue(t, out, "match").([]interface{})
	if len(parts) == 0 {
		t.Fatal("expected match parts")
	}
}

func TestTranslateInstanceMissingCodeIsBadRequest(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet, "/fhir/ConceptMap/cm-simple/$translate", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when the source code is missing, got %d", rec.Code)
	}
	if out["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", out["resourceType"])
	}
}

func TestTranslateUnknownInstance(t *testing.T) {
	e := newTestServer(t)
	rec, _ := doJSON(t, e, http.MethodGet, "/fhir/ConceptMap/nope/$translate?code=code1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown instance, got %d", rec.Code)
	}
}

func TestTxResourceShadowsStore(t *testing.T) {
	e := newTestServer(t)
	cs := simpleCodeSystem()
	concepts, _ := cs["concept"].([]interface{})
	cs["concept"] = append(concepts, map[string]interface{}{"code": "extra", "display": "Extra"})
	raw, _ := json.Marshal(cs)
	body := `{
		"resourceType": "Parameters",
		"parameter": [
			{"name": "tx-resource", "resource": ` + string(raw) + `},
			{"name": "coding", "valueCoding": {"system": "` + csURL + `", "code": "extra"}}
		]
	}`
	rec, out := doJSON(t, e, http.MethodPost, "/fhir/CodeSystem/$validate-code", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := paramValue(t, out, "result"); got != true {
		t.Errorf("expected submitted code system to shadow the registry, got %v", got)
	}
}

func TestMetadata(t *testing.T) {
	e := newTestServer(t)
	rec, out := doJSON(t, e, http.MethodGet, "/fhir/metadata", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if out["resourceType"] != "CapabilityStatement" {
		t.Errorf("expected CapabilityStatement, got %v", out["resourceType"])
	}
}
