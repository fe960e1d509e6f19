package ucum

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

const testSchema = `
CREATE TABLE units (code TEXT PRIMARY KEY, canonical TEXT, factor REAL, description TEXT);
CREATE TABLE prefixes (code TEXT PRIMARY KEY, factor REAL);
CREATE TABLE metadata (key TEXT, value TEXT);
`

func testProvider(t *testing.T) *Provider {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	stmts := []string{
		`INSERT INTO metadata VALUES ('version', '2.1')`,
		`INSERT INTO units VALUES ('m', 'm', 1, 'meter')`,
		`INSERT INTO units VALUES ('s', 's', 1, 'second')`,
		`INSERT INTO units VALUES ('g', 'g', 1, 'gram')`,
		`INSERT INTO units VALUES ('min', 's', 60, 'minute')`,
		`INSERT INTO units VALUES ('L', 'm3', 0.001, 'liter')`,
		`INSERT INTO units VALUES ('N', 'g.m.s-2', 1000, 'newton')`,
		`INSERT INTO units VALUES ('[in_i]', 'm', 0.0254, 'inch')`,
		`INSERT INTO prefixes VALUES ('k', 1000)`,
		`INSERT INTO prefixes VALUES ('m', 0.001)`,
		`INSERT INTO prefixes VALUES ('c', 0.01)`,
		`INSERT INTO prefixes VALUES ('d', 0.1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	p, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func locate(t *testing.T, p *Provider, expr string) provider.Context {
	t.Helper()
	loc := p.Locate(expr)
	if !loc.Found() {
		t.Fatalf("locate %q: %s", expr, loc.Message)
	}
	return loc.Context
}

func TestLocateAtom(t *testing.T) {
	p := testProvider(t)
	h := locate(t, p, "m")
	if code, _ := p.Code(h); code != "m" {
		t.Errorf("code = %q", code)
	}
	if display, _ := p.Display(h, nil); display != "meter" {
		t.Errorf("display = %q", display)
	}
}

func TestLocateFailures(t *testing.T) {
	p := testProvider(t)
	if loc := p.Locate(""); loc.Found() || loc.Message != "Empty code" {
		t.Errorf("empty: %+v", loc)
	}
	if loc := p.Locate("furlong"); loc.Found() || !strings.Contains(loc.Message, `unknown unit "furlong"`) {
		t.Errorf("unknown: %+v", loc)
	}
	if loc := p.Locate("m/(s"); loc.Found() || !strings.Contains(loc.Message, "missing ')'") {
		t.Errorf("unbalanced: %+v", loc)
	}
}

func TestPrefixResolution(t *testing.T) {
	p := testProvider(t)
	h := locate(t, p, "mg")
	props, err := p.Properties(h)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	byCode := map[string]interface{}{}
	for _, prop := range props {
		byCode[prop.Code] = prop.Value
	}
	if byCode["canonical"] != "g" {
		t.Errorf("canonical = %v", byCode["canonical"])
	}
	if byCode["magnitude"] != 0.001 {
		t.Errorf("magnitude = %v", byCode["magnitude"])
	}
	// Compound expressions fall back to the expression as display.
	if display, _ := p.Display(h, nil); display != "mg" {
		t.Errorf("display = %q", display)
	}
}

func TestCanonicalForms(t *testing.T) {
	p := testProvider(t)
	cases := []struct {
		expr      string
		canonical string
		magnitude float64
	}{
		{"m/s", "m.s-1", 1},
		{"m/s2", "m.s-2", 1},
		{"km/min", "m.s-1", 1000.0 / 60},
		{"mL", "m3", 0.000001},
		{"10.m", "m", 10},
		{"[in_i]", "m", 0.0254},
		{"c[in_i]", "m", 0.000254},
		{"g.m/s2", "g.m.s-2", 1},
		{"{rbc}", "1", 1},
		{"mL{total}", "m3", 0.000001},
		{"m2", "m2", 1},
		{"s-1", "s-1", 1},
		{"(m/s)2", "m2.s-2", 1},
	}
	for _, tc := range cases {
		a, err := p.Analyze(tc.expr)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if a.Canonical() != tc.canonical {
			t.Errorf("%s canonical = %q, want %q", tc.expr, a.Canonical(), tc.canonical)
		}
		diff := a.Magnitude - tc.magnitude
		if diff < -1e-12 || diff > 1e-12 {
			t.Errorf("%s magnitude = %v, want %v", tc.expr, a.Magnitude, tc.magnitude)
		}
	}
}

func TestSubsumption(t *testing.T) {
	p := testProvider(t)
	// A newton is a kilogram meter per second squared.
	if out, err := p.SubsumesTest("N", "kg.m/s2"); err != nil || out != term.Equivalent {
		t.Errorf("N vs kg.m/s2 = %v, %v", out, err)
	}
	// Same dimension, different magnitude.
	if out, err := p.SubsumesTest("N", "g.m/s2"); err != nil || out != term.NotSubsumed {
		t.Errorf("N vs g.m/s2 = %v, %v", out, err)
	}
	if _, err := p.SubsumesTest("N", "furlong"); term.KindOf(err) != term.KindNotFound {
		t.Errorf("unknown: %v", err)
	}
}

func TestComparable(t *testing.T) {
	p := testProvider(t)
	cases := []struct {
		a, b string
		want bool
	}{
		{"m", "[in_i]", true},
		{"min", "s", true},
		{"mL", "L", true},
		{"m", "s", false},
		{"N", "g", false},
	}
	for _, tc := range cases {
		got, err := p.Comparable(tc.a, tc.b)
		if err != nil {
			t.Errorf("%s vs %s: %v", tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s vs %s = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
	if _, err := p.Comparable("m", "furlong"); term.KindOf(err) != term.KindInvalid {
		t.Errorf("invalid: %v", err)
	}
}

func TestCanonicalFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "canonical", term.OpEquals, "m"); err != nil {
		t.Fatalf("build: %v", err)
	}
	filters, err := p.ExecuteFilters(opctx.New(opctx.Options{RequestID: "test"}), prep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	f := filters[0]
	if f.Closed() || f.Size() != 0 {
		t.Error("canonical filter must be open")
	}
	if _, err := f.Iterator(); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("iterator: %v", err)
	}
	for expr, want := range map[string]bool{"[in_i]": true, "cm": true, "s": false, "m/s": false} {
		ok, err := f.Check(locate(t, p, expr))
		if err != nil {
			t.Fatalf("check %s: %v", expr, err)
		}
		if ok != want {
			t.Errorf("check %s = %v, want %v", expr, ok, want)
		}
	}
	if loc := f.Locate("km"); !loc.Found() {
		t.Errorf("km: %s", loc.Message)
	}
	if loc := f.Locate("s"); loc.Found() {
		t.Error("s must not match")
	}
}

func TestUnsupportedFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	err := p.BuildFilter(prep, "property", term.OpRegex, "m.*")
	if term.KindOf(err) != term.KindNotSupported {
		t.Errorf("err = %v", err)
	}
}
