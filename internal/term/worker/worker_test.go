package worker

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/expand"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
	"github.com/fhirterm/fhirterm/internal/term/provider/bcp47"
	"github.com/fhirterm/fhirterm/internal/term/provider/fhircs"
)

const (
	csURL  = "http://example.org/fhir/CodeSystem/cs-simple"
	extURL = "http://example.org/fhir/CodeSystem/cs-extensions"
	supURL = "http://hl7.org/fhir/test/CodeSystem/supplement"
)

type fakeStore struct {
	resources []map[string]interface{}
}

func (f *fakeStore) Find(resourceType, url, version string) (map[string]interface{}, bool) {
	for _, res := range f.resources {
		if str(res["resourceType"]) != resourceType || str(res["url"]) != url {
			continue
		}
		if version != "" && str(res["version"]) != version {
			continue
		}
		return res, true
	}
	return nil, false
}

func (f *fakeStore) AllOf(resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, res := range f.resources {
		if str(res["resourceType"]) == resourceType {
			out = append(out, res)
		}
	}
	return out
}

func simpleCodeSystem() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          csURL,
		"version":      "1.0",
		"name":         "SimpleCodes",
		"content":      "complete",
		"concept": []interface{}{
			map[string]interface{}{"code": "code1", "display": "One"},
			map[string]interface{}{"code": "code2", "display": "Two", "concept": []interface{}{
				map[string]interface{}{"code": "code2a", "display": "Two A"},
			}},
		},
	}
}

func extensionsCodeSystem() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          extURL,
		"content":      "complete",
		"concept": []interface{}{
			map[string]interface{}{"code": "code1", "display": "Code One"},
		},
	}
}

func supplement() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          supURL,
		"version":      "0.1.1",
		"content":      "supplement",
		"supplements":  extURL,
		"language":     "nl",
		"concept": []interface{}{
			map[string]interface{}{
				"code": "code1",
				"designation": []interface{}{
					map[string]interface{}{"language": "nl", "value": "ectenoot"},
				},
				"property": []interface{}{
					map[string]interface{}{"code": "itemWeight", "valueDecimal": 1.2},
				},
			},
		},
	}
}

func testWorker(t *testing.T, stored ...map[string]interface{}) *Worker {
	t.Helper()
	reg := provider.NewRegistry()
	p, err := fhircs.New(simpleCodeSystem(), nil)
	if err != nil {
		t.Fatalf("fhircs: %v", err)
	}
	reg.Register(p)
	return &Worker{
		Registry: reg,
		Store:    &fakeStore{resources: stored},
		Logger:   zerolog.Nop(),
	}
}

func newCtx() *opctx.OperationContext {
	return opctx.New(opctx.Options{})
}

func TestLookup(t *testing.T) {
	w := testWorker(t)
	res, err := w.Lookup(newCtx(), LookupRequest{System: csURL, Code: "code2a"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Display != "Two A" || res.Name != "SimpleCodes" || res.Version != "1.0" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Designations) == 0 {
		t.Error("expected designations by default")
	}
}

func TestLookupPseudoProperties(t *testing.T) {
	w := testWorker(t)
	res, err := w.Lookup(newCtx(), LookupRequest{System: csURL, Code: "code2a", Properties: []string{"parent"}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	found := false
	for _, p := range res.Properties {
		if p.Code == "parent" && p.Value == "code2" {
			found = true
		}
	}
	if !found {
		t.Errorf("no parent property in %+v", res.Properties)
	}

	res, err = w.Lookup(newCtx(), LookupRequest{System: csURL, Code: "code2", Properties: []string{"child"}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	found = false
	for _, p := range res.Properties {
		if p.Code == "child" && p.Value == "code2a" {
			found = true
		}
	}
	if !found {
		t.Errorf("no child property in %+v", res.Properties)
	}
}

func TestLookupErrors(t *testing.T) {
	w := testWorker(t)
	if _, err := w.Lookup(newCtx(), LookupRequest{Code: "x"}); term.KindOf(err) != term.KindInvalid {
		t.Errorf("missing system: %v", err)
	}
	if _, err := w.Lookup(newCtx(), LookupRequest{System: csURL, Code: "nope"}); term.KindOf(err) != term.KindNotFound {
		t.Errorf("unknown code: %v", err)
	}
	if _, err := w.Lookup(newCtx(), LookupRequest{System: "http://nowhere", Code: "x"}); term.KindOf(err) != term.KindNotFound {
		t.Errorf("unknown system: %v", err)
	}
}

func TestProviderFromStoredResourceWithSupplement(t *testing.T) {
	w := testWorker(t, extensionsCodeSystem(), supplement())
	ctx := newCtx()

	prov, err := w.providerFor(ctx, extURL, "")
	if err != nil {
		t.Fatalf("providerFor: %v", err)
	}
	if got := prov.ListSupplements(); len(got) != 1 || got[0] != supURL+"|0.1.1" {
		t.Errorf("supplements = %v", got)
	}
	loc := prov.Locate("code1")
	if !loc.Found() {
		t.Fatalf("locate: %s", loc.Message)
	}
	if got := prov.ItemWeight(loc.Context); got != "1.2" {
		t.Errorf("itemWeight = %q", got)
	}

	res, err := w.Lookup(ctx, LookupRequest{System: extURL, Code: "code1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	found := false
	for _, d := range res.Designations {
		if d.Language == "nl" && d.Value == "ectenoot" {
			found = true
		}
	}
	if !found {
		t.Errorf("no Dutch designation in %+v", res.Designations)
	}
}

func TestValidateCode(t *testing.T) {
	w := testWorker(t)
	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings: []term.Coding{{System: csURL, Code: "code1"}},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Result || res.Display != "One" {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateCodeWrongDisplay(t *testing.T) {
	w := testWorker(t)
	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings: []term.Coding{{System: csURL, Code: "code1"}},
		Display: "Uno",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Result {
		t.Error("wrong display must fail")
	}
	if !strings.Contains(res.Message, "a valid display is 'One'") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestValidateCodeUnknown(t *testing.T) {
	w := testWorker(t)
	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings: []term.Coding{{System: csURL, Code: "nope"}},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Result || !strings.Contains(res.Message, "Unknown code 'nope'") {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateCodeInValueSet(t *testing.T) {
	vs := map[string]interface{}{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/two",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": csURL,
					"concept": []interface{}{
						map[string]interface{}{"code": "code2"},
						map[string]interface{}{"code": "code2a"},
					},
				},
			},
		},
	}
	w := testWorker(t, vs)

	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings:     []term.Coding{{System: csURL, Code: "code2a"}},
		ValueSetURL: "http://example.org/vs/two",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Result {
		t.Errorf("member must validate: %+v", res)
	}

	res, err = w.ValidateCode(newCtx(), ValidateRequest{
		Codings:     []term.Coding{{System: csURL, Code: "code1"}},
		ValueSetURL: "http://example.org/vs/two",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Result || !strings.Contains(res.Message, "is not in the value set") {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateCodeInOpenFilterValueSet(t *testing.T) {
	vs := map[string]interface{}{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/regional",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": bcp47.SystemURI,
					"filter": []interface{}{
						map[string]interface{}{"property": "region", "op": "exists", "value": "true"},
					},
				},
			},
		},
	}
	w := testWorker(t, vs)
	w.Registry.Register(bcp47.New())

	// The tag space is unbounded, so the expansion cannot enumerate the
	// filter; membership must still be decidable per candidate.
	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings:     []term.Coding{{System: bcp47.SystemURI, Code: "en-US"}},
		ValueSetURL: "http://example.org/vs/regional",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Result {
		t.Errorf("region-qualified tag must be a member: %+v", res)
	}

	res, err = w.ValidateCode(newCtx(), ValidateRequest{
		Codings:     []term.Coding{{System: bcp47.SystemURI, Code: "en"}},
		ValueSetURL: "http://example.org/vs/regional",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Result || !strings.Contains(res.Message, "is not in the value set") {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateCodeableConceptAnyMatch(t *testing.T) {
	w := testWorker(t)
	res, err := w.ValidateCode(newCtx(), ValidateRequest{
		Codings: []term.Coding{
			{System: csURL, Code: "nope"},
			{System: csURL, Code: "code1"},
		},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Result || res.Code != "code1" {
		t.Errorf("result = %+v", res)
	}
}

func TestSubsumes(t *testing.T) {
	w := testWorker(t)
	out, err := w.Subsumes(newCtx(), SubsumesRequest{System: csURL, CodeA: "code2", CodeB: "code2a"})
	if err != nil {
		t.Fatalf("subsumes: %v", err)
	}
	if out != term.Subsumes {
		t.Errorf("outcome = %v", out)
	}
	if _, err := w.Subsumes(newCtx(), SubsumesRequest{System: csURL, CodeA: "code2"}); term.KindOf(err) != term.KindInvalid {
		t.Errorf("missing codeB: %v", err)
	}
}

func TestExpandByURL(t *testing.T) {
	vs := map[string]interface{}{
		"resourceType": "ValueSet",
		"url":          "http://example.org/vs/all",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": csURL},
			},
		},
	}
	w := testWorker(t, vs)
	result, err := w.Expand(newCtx(), ExpandRequest{
		URL:    "http://example.org/vs/all",
		Params: expand.Parameters{Count: -1},
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	expansion := result["expansion"].(map[string]interface{})
	if n := expansion["total"].(int); n != 3 {
		t.Errorf("total = %d", n)
	}

	if _, err := w.Expand(newCtx(), ExpandRequest{URL: "http://nowhere"}); term.KindOf(err) != term.KindNotFound {
		t.Errorf("unknown vs: %v", err)
	}
}

func TestTranslate(t *testing.T) {
	cm := map[string]interface{}{
		"resourceType": "ConceptMap",
		"url":          "http://example.org/cm/simple-to-other",
		"group": []interface{}{
			map[string]interface{}{
				"source": csURL,
				"target": "http://example.org/other",
				"element": []interface{}{
					map[string]interface{}{
						"code": "code1",
						"target": []interface{}{
							map[string]interface{}{
								"code":         "other1",
								"display":      "Other One",
								"relationship": "equivalent",
							},
						},
					},
					map[string]interface{}{
						"code": "code2",
						"target": []interface{}{
							map[string]interface{}{
								"code":        "other2",
								"equivalence": "wider",
							},
						},
					},
				},
			},
		},
	}
	w := testWorker(t, cm)

	res, err := w.Translate(newCtx(), TranslateRequest{
		SourceSystem: csURL,
		SourceCode:   "code1",
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !res.Result || len(res.Matches) != 1 {
		t.Fatalf("result = %+v", res)
	}
	m := res.Matches[0]
	if m.Relationship != "equivalent" || m.Concept.Code != "other1" || m.Concept.System != "http://example.org/other" {
		t.Errorf("match = %+v", m)
	}
	if m.Source != "http://example.org/cm/simple-to-other" {
		t.Errorf("source = %q", m.Source)
	}

	// R4 equivalence codes normalize onto the R5 relationship vocabulary.
	res, err = w.Translate(newCtx(), TranslateRequest{SourceSystem: csURL, SourceCode: "code2"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Matches[0].Relationship != "source-is-narrower-than-target" {
		t.Errorf("relationship = %q", res.Matches[0].Relationship)
	}
}

func TestTranslateNoMapping(t *testing.T) {
	w := testWorker(t)
	if _, err := w.Translate(newCtx(), TranslateRequest{SourceSystem: csURL, SourceCode: "code1"}); term.KindOf(err) != term.KindNotFound {
		t.Errorf("no conceptmap: %v", err)
	}
	if _, err := w.Translate(newCtx(), TranslateRequest{SourceSystem: csURL}); term.KindOf(err) != term.KindInvalid {
		t.Errorf("missing code: %v", err)
	}
}

func TestTranslateByURLUnmappedCode(t *testing.T) {
	cm := map[string]interface{}{
		"resourceType": "ConceptMap",
		"url":          "http://example.org/cm/empty",
		"group":        []interface{}{},
	}
	w := testWorker(t, cm)
	res, err := w.Translate(newCtx(), TranslateRequest{
		URL:          "http://example.org/cm/empty",
		SourceSystem: csURL,
		SourceCode:   "code1",
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Result || !strings.Contains(res.Message, "No mapping found") {
		t.Errorf("result = %+v", res)
	}
}
