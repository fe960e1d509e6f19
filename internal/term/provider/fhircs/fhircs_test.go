package fhircs

import (
	"testing"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

func nestedCodeSystem() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/cs",
		"version":      "2024",
		"name":         "Example",
		"content":      "complete",
		"concept": []interface{}{
			map[string]interface{}{"code": "top1", "display": "Top One"},
			map[string]interface{}{
				"code": "top2", "display": "Top Two",
				"concept": []interface{}{
					map[string]interface{}{"code": "mid", "display": "Middle",
						"concept": []interface{}{
							map[string]interface{}{"code": "leaf", "display": "Leaf"},
						},
					},
				},
			},
		},
	}
}

func mustNew(t *testing.T, res map[string]interface{}) *Provider {
	t.Helper()
	p, err := New(res, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func codesOf(t *testing.T, p *Provider, it provider.Iterator) []string {
	t.Helper()
	var out []string
	for {
		h, ok := it.Next()
		if !ok {
			return out
		}
		code, err := p.Code(h)
		if err != nil {
			t.Fatalf("Code: %v", err)
		}
		out = append(out, code)
	}
}

func TestNewRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		res  map[string]interface{}
	}{
		{"wrong type", map[string]interface{}{"resourceType": "ValueSet", "url": "http://x"}},
		{"no url", map[string]interface{}{"resourceType": "CodeSystem"}},
		{"supplement content", map[string]interface{}{
			"resourceType": "CodeSystem", "url": "http://x", "content": "supplement"}},
		{"duplicate code", map[string]interface{}{
			"resourceType": "CodeSystem", "url": "http://x",
			"concept": []interface{}{
				map[string]interface{}{"code": "a"},
				map[string]interface{}{"code": "a"},
			}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.res, nil); term.KindOf(err) != term.KindInvalid {
				t.Errorf("expected invalid error, got %v", err)
			}
		})
	}
}

func TestNewRejectsCyclicHierarchy(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/cyclic",
		"concept": []interface{}{
			map[string]interface{}{"code": "a", "property": []interface{}{
				map[string]interface{}{"code": "parent", "valueCode": "b"},
			}},
			map[string]interface{}{"code": "b", "property": []interface{}{
				map[string]interface{}{"code": "parent", "valueCode": "a"},
			}},
		},
	}
	if _, err := New(res, nil); term.KindOf(err) != term.KindInvalid {
		t.Errorf("expected cycle rejection, got %v", err)
	}
}

func TestIteratorWalksHierarchy(t *testing.T) {
	p := mustNew(t, nestedCodeSystem())

	roots, err := p.Iterator(nil)
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	got := codesOf(t, p, roots)
	if len(got) != 2 || got[0] != "top1" || got[1] != "top2" {
		t.Errorf("roots = %v", got)
	}

	loc := p.Locate("top2")
	if !loc.Found() {
		t.Fatal("top2 not found")
	}
	children, err := p.Iterator(loc.Context)
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	if got := codesOf(t, p, children); len(got) != 1 || got[0] != "mid" {
		t.Errorf("children of top2 = %v", got)
	}
}

func TestIteratorAllPreservesDefinitionOrder(t *testing.T) {
	p := mustNew(t, nestedCodeSystem())
	it, err := p.IteratorAll()
	if err != nil {
		t.Fatalf("IteratorAll: %v", err)
	}
	got := codesOf(t, p, it)
	want := []string{"top1", "top2", "mid", "leaf"}
	if len(got) != len(want) {
		t.Fatalf("codes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("codes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParentAndSubsumption(t *testing.T) {
	p := mustNew(t, nestedCodeSystem())

	if got := p.Parent("leaf"); got != "mid" {
		t.Errorf("Parent(leaf) = %q", got)
	}
	if got := p.Parent("top1"); got != "" {
		t.Errorf("Parent(top1) = %q, want empty", got)
	}

	cases := []struct {
		a, b string
		want term.SubsumptionOutcome
	}{
		{"top2", "leaf", term.Subsumes},
		{"leaf", "top2", term.SubsumedBy},
		{"mid", "mid", term.Equivalent},
		{"top1", "leaf", term.NotSubsumed},
	}
	for _, tc := range cases {
		got, err := p.SubsumesTest(tc.a, tc.b)
		if err != nil {
			t.Fatalf("SubsumesTest(%s, %s): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("SubsumesTest(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}

	if _, err := p.SubsumesTest("top1", "nope"); term.KindOf(err) != term.KindNotFound {
		t.Errorf("expected not-found for unknown code, got %v", err)
	}
}

func TestDeclaredParentProperty(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/flat",
		"concept": []interface{}{
			map[string]interface{}{"code": "root"},
			map[string]interface{}{"code": "child", "property": []interface{}{
				map[string]interface{}{"code": "parent", "valueCode": "root"},
			}},
		},
	}
	p := mustNew(t, res)
	if got := p.Parent("child"); got != "root" {
		t.Errorf("Parent(child) = %q", got)
	}
	outcome, err := p.SubsumesTest("root", "child")
	if err != nil || outcome != term.Subsumes {
		t.Errorf("SubsumesTest = %v, %v", outcome, err)
	}
}

func TestCaseInsensitiveLocate(t *testing.T) {
	res := nestedCodeSystem()
	res["caseSensitive"] = false
	p := mustNew(t, res)
	if loc := p.Locate("TOP1"); !loc.Found() {
		t.Error("expected case-insensitive match for TOP1")
	}

	strict := mustNew(t, nestedCodeSystem())
	if loc := strict.Locate("TOP1"); loc.Found() {
		t.Error("expected case-sensitive miss for TOP1")
	}
}

func TestDisplayPrefersRequestedLanguage(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/de",
		"language":     "en",
		"concept": []interface{}{
			map[string]interface{}{"code": "a", "display": "Apple",
				"designation": []interface{}{
					map[string]interface{}{"language": "de", "value": "Apfel"},
				},
			},
		},
	}
	p := mustNew(t, res)
	loc := p.Locate("a")

	display, err := p.Display(loc.Context, lang.New("de"))
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if display != "Apfel" {
		t.Errorf("Display(de) = %q", display)
	}

	display, err = p.Display(loc.Context, nil)
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if display != "Apple" {
		t.Errorf("Display() = %q", display)
	}
}

func TestHasAnyDisplays(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/de",
		"language":     "de",
		"concept": []interface{}{
			map[string]interface{}{"code": "a", "display": "Apfel"},
		},
	}
	p := mustNew(t, res)

	if !p.HasAnyDisplays(nil) {
		t.Error("empty language list should always report displays")
	}
	if !p.HasAnyDisplays(lang.New("de")) {
		t.Error("expected displays for de")
	}
	if p.HasAnyDisplays(lang.New("fr")) {
		t.Error("expected no displays for fr")
	}
}

func TestStatusFlagsFromProperties(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/status",
		"concept": []interface{}{
			map[string]interface{}{"code": "gone", "property": []interface{}{
				map[string]interface{}{"code": "status", "valueCode": "retired"},
			}},
			map[string]interface{}{"code": "off", "property": []interface{}{
				map[string]interface{}{"code": "inactive", "valueBoolean": true},
			}},
			map[string]interface{}{"code": "group", "property": []interface{}{
				map[string]interface{}{"code": "notSelectable", "valueBoolean": true},
			}},
		},
	}
	p := mustNew(t, res)

	if !p.IsDeprecated(p.Locate("gone").Context) {
		t.Error("retired status should read as deprecated")
	}
	if !p.IsInactive(p.Locate("off").Context) {
		t.Error("inactive property should read as inactive")
	}
	if !p.IsAbstract(p.Locate("group").Context) {
		t.Error("notSelectable should read as abstract")
	}
}

func TestDeprecationDateComparedToNow(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/deprecation",
		"concept": []interface{}{
			map[string]interface{}{"code": "past", "property": []interface{}{
				map[string]interface{}{"code": "deprecationDate", "valueDateTime": "2020-01-01"},
			}},
			map[string]interface{}{"code": "future", "property": []interface{}{
				map[string]interface{}{"code": "deprecationDate", "valueDateTime": "2999-01-01T00:00:00Z"},
			}},
			map[string]interface{}{"code": "garbled", "property": []interface{}{
				map[string]interface{}{"code": "deprecationDate", "valueDateTime": "soon"},
			}},
			map[string]interface{}{"code": "kept", "property": []interface{}{
				map[string]interface{}{"code": "deprecated", "valueBoolean": false},
			}},
		},
	}
	p := mustNew(t, res)

	if !p.IsDeprecated(p.Locate("past").Context) {
		t.Error("past deprecationDate should read as deprecated")
	}
	if p.IsDeprecated(p.Locate("future").Context) {
		t.Error("future deprecationDate must not read as deprecated yet")
	}
	if !p.IsDeprecated(p.Locate("garbled").Context) {
		t.Error("unparsable deprecationDate should read as deprecated")
	}
	if p.IsDeprecated(p.Locate("kept").Context) {
		t.Error("deprecated=false must not read as deprecated")
	}
}

func TestConceptFilters(t *testing.T) {
	p := mustNew(t, nestedCodeSystem())
	octx := opctx.New(opctx.Options{})

	runFilter := func(property string, op term.FilterOperator, value string) []string {
		t.Helper()
		prep := &provider.Prep{}
		if err := p.BuildFilter(prep, property, op, value); err != nil {
			t.Fatalf("BuildFilter(%s %s %s): %v", property, op, value, err)
		}
		filters, err := p.ExecuteFilters(octx, prep)
		if err != nil {
			t.Fatalf("ExecuteFilters: %v", err)
		}
		it, err := filters[0].Iterator()
		if err != nil {
			t.Fatalf("Iterator: %v", err)
		}
		return codesOf(t, p, it)
	}

	contains := func(codes []string, want string) bool {
		for _, c := range codes {
			if c == want {
				return true
			}
		}
		return false
	}

	isA := runFilter("concept", term.OpIsA, "top2")
	if len(isA) != 3 || !contains(isA, "top2") || !contains(isA, "leaf") {
		t.Errorf("is-a top2 = %v", isA)
	}

	descendants := runFilter("concept", term.OpDescendentOf, "top2")
	if len(descendants) != 2 || contains(descendants, "top2") {
		t.Errorf("descendent-of top2 = %v", descendants)
	}

	notA := runFilter("concept", term.OpIsNotA, "top2")
	if len(notA) != 1 || notA[0] != "top1" {
		t.Errorf("is-not-a top2 = %v", notA)
	}

	leaves := runFilter("child", term.OpExists, "false")
	if contains(leaves, "top2") || !contains(leaves, "leaf") {
		t.Errorf("child exists false = %v", leaves)
	}

	regex := runFilter("code", term.OpRegex, "^top")
	if len(regex) != 2 {
		t.Errorf("code regex ^top = %v", regex)
	}
}

func TestUnsupportedFilterRejected(t *testing.T) {
	p := mustNew(t, nestedCodeSystem())
	prep := &provider.Prep{}
	err := p.BuildFilter(prep, "nosuch", term.OpEquals, "x")
	if term.KindOf(err) != term.KindNotSupported {
		t.Errorf("expected not-supported, got %v", err)
	}
}

func TestSupplementDesignations(t *testing.T) {
	sup, err := provider.ParseSupplement(map[string]interface{}{
		"resourceType": "CodeSystem",
		"url":          "http://example.org/cs-de",
		"content":      "supplement",
		"language":     "de",
		"supplements":  "http://example.org/cs",
		"concept": []interface{}{
			map[string]interface{}{"code": "top1", "designation": []interface{}{
				map[string]interface{}{"language": "de", "value": "Oben Eins"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("ParseSupplement: %v", err)
	}

	p, err := New(nestedCodeSystem(), []*provider.Supplement{sup})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	display, err := p.Display(p.Locate("top1").Context, lang.New("de"))
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if display != "Oben Eins" {
		t.Errorf("Display(de) = %q", display)
	}
	if !p.HasAnyDisplays(lang.New("de")) {
		t.Error("expected supplement language to count toward displays")
	}
}
