package cpt

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
CREATE TABLE concepts (code TEXT PRIMARY KEY, is_modifier INTEGER, kind TEXT, display TEXT, telemedicine INTEGER);
CREATE TABLE metadata (key TEXT, value TEXT);
`

const em99202 = "Office or other outpatient visit for the evaluation and management of a new patient, which requires a medically appropriate history and/or examination and straightforward medical decision making."

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
		`INSERT INTO metadata VALUES ('version', '2024')`,
		`INSERT INTO metadata VALUES ('content', 'fragment')`,

		`INSERT INTO concepts VALUES ('99202', 0, 'code', '` + em99202 + `', 1)`,
		`INSERT INTO concepts VALUES ('99203', 0, 'code', 'Office visit, low medical decision making', 0)`,
		`INSERT INTO concepts VALUES ('0001F', 0, 'cat-2', 'Heart failure assessed', 0)`,
		`INSERT INTO concepts VALUES ('1P', 1, 'cat-2', 'Performance measure exclusion due to medical reasons', 0)`,
		`INSERT INTO concepts VALUES ('25', 1, 'general', 'Significant, separately identifiable E/M service', 0)`,
		`INSERT INTO concepts VALUES ('95', 1, 'general', 'Synchronous telemedicine service', 0)`,
		`INSERT INTO concepts VALUES ('F1', 1, 'hcpcs', 'Left hand, second digit', 0)`,
		`INSERT INTO concepts VALUES ('P1', 1, 'physical-status', 'A normal healthy patient', 0)`,
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

func testCtx() *opctx.OperationContext {
	return opctx.New(opctx.Options{RequestID: "test"})
}

func TestMetadata(t *testing.T) {
	p := testProvider(t)
	if p.ContentMode() != term.ContentFragment {
		t.Errorf("content = %s", p.ContentMode())
	}
	if p.TotalCount() != 8 {
		t.Errorf("total = %d", p.TotalCount())
	}
}

func TestLocatePlainCode(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("99202")
	if !loc.Found() {
		t.Fatalf("locate: %s", loc.Message)
	}
	display, err := p.Display(loc.Context, nil)
	if err != nil || display != em99202 {
		t.Errorf("display = %q, %v", display, err)
	}
}

func TestLocateExpression(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("99202:25")
	if !loc.Found() {
		t.Fatalf("locate: %s", loc.Message)
	}
	display, err := p.Display(loc.Context, nil)
	if err != nil || display != "" {
		t.Errorf("expression display = %q, %v", display, err)
	}
	code, _ := p.Code(loc.Context)
	if code != "99202:25" {
		t.Errorf("code = %q", code)
	}
	props, _ := p.Properties(loc.Context)
	if len(props) != 1 || props[0].Value != "expression" {
		t.Errorf("props = %+v", props)
	}

	multi := p.Locate("99202:25:95")
	if !multi.Found() {
		t.Errorf("multi-modifier: %s", multi.Message)
	}
}

func TestExpressionValidation(t *testing.T) {
	p := testProvider(t)
	cases := []struct {
		code string
		want string
	}{
		{"99999:25", "Unknown base code '99999'"},
		{"99202:XX", "Unknown modifier 'XX'"},
		{"99202:", "Empty modifier"},
		{"25:95", "is a modifier and cannot start an expression"},
		{"99202:1P", "restricted to category-2 codes"},
		{"99203:95", "requires a telemedicine-enabled code"},
	}
	for _, tc := range cases {
		loc := p.Locate(tc.code)
		if loc.Found() || !strings.Contains(loc.Message, tc.want) {
			t.Errorf("%q: %+v, want substring %q", tc.code, loc, tc.want)
		}
	}
	// Category-2 modifiers are fine on category-2 bases.
	if loc := p.Locate("0001F:1P"); !loc.Found() {
		t.Errorf("cat-2 expression: %s", loc.Message)
	}
}

func TestModifierFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "modifier", term.OpEquals, "true"); err != nil {
		t.Fatalf("build: %v", err)
	}
	filters, err := p.ExecuteFilters(testCtx(), prep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	f := filters[0]
	if !f.Closed() || f.Size() != 5 {
		t.Fatalf("closed=%v size=%d", f.Closed(), f.Size())
	}
	it, _ := f.Iterator()
	var codes []string
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		c, _ := p.Code(h)
		codes = append(codes, c)
	}
	if strings.Join(codes, ",") != "1P,25,95,F1,P1" {
		t.Errorf("modifiers = %v", codes)
	}
}

func TestModifiedFilterIsOpen(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "modified", term.OpEquals, "true"); err != nil {
		t.Fatalf("build: %v", err)
	}
	filters, err := p.ExecuteFilters(testCtx(), prep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	f := filters[0]
	if f.Closed() {
		t.Error("modified=true must be open")
	}
	if f.Size() != 0 {
		t.Errorf("size = %d", f.Size())
	}
	if _, err := f.Iterator(); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("iterator: %v", err)
	}
	if !provider.FiltersNotClosed(filters) {
		t.Error("filtersNotClosed should report true")
	}
	// Membership is decided by parsing.
	expr := p.Locate("99202:25")
	ok, err := f.Check(expr.Context)
	if err != nil || !ok {
		t.Errorf("check expression: %v, %v", ok, err)
	}
	plain := p.Locate("99202")
	ok, err = f.Check(plain.Context)
	if err != nil || ok {
		t.Errorf("check plain: %v, %v", ok, err)
	}
}

func TestKindFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "kind", term.OpEquals, "cat-2"); err != nil {
		t.Fatalf("build: %v", err)
	}
	filters, err := p.ExecuteFilters(testCtx(), prep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	it, _ := filters[0].Iterator()
	var codes []string
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		c, _ := p.Code(h)
		codes = append(codes, c)
	}
	if strings.Join(codes, ",") != "0001F,1P" {
		t.Errorf("cat-2 = %v", codes)
	}
}

func TestUnsupportedFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "kind", term.OpEquals, "bogus"); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("bogus kind: %v", err)
	}
	if err := p.BuildFilter(prep, "modifier", term.OpRegex, "true"); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("regex: %v", err)
	}
}
