package rxnorm

import (
	"database/sql"
	"sort"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

const testSchema = `
CREATE TABLE rxcuis (rxcui TEXT PRIMARY KEY, name TEXT, tty TEXT, archived INTEGER);
CREATE TABLE sabs (rxcui TEXT, sab TEXT);
CREATE TABLE stys (rxcui TEXT, sty TEXT);
CREATE TABLE relationships (rxcui1 TEXT, rel TEXT, rela TEXT, rxcui2 TEXT);
CREATE TABLE stems (stem TEXT, rxcui TEXT);
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
		`INSERT INTO metadata VALUES ('version', '07032024')`,

		`INSERT INTO rxcuis VALUES ('1191', 'aspirin', 'IN', 0)`,
		`INSERT INTO rxcuis VALUES ('243670', 'aspirin 81 MG Oral Tablet', 'SCD', 0)`,
		`INSERT INTO rxcuis VALUES ('1156278', 'aspirin Oral Product', 'SCDG', 0)`,
		`INSERT INTO rxcuis VALUES ('104490', 'old aspirin formulation', 'SCD', 1)`,

		`INSERT INTO sabs VALUES ('1191', 'RXNORM')`,
		`INSERT INTO sabs VALUES ('243670', 'RXNORM')`,
		`INSERT INTO sabs VALUES ('243670', 'MMSL')`,

		`INSERT INTO stys VALUES ('1191', 'Pharmacologic Substance')`,
		`INSERT INTO stys VALUES ('243670', 'Clinical Drug')`,

		`INSERT INTO relationships VALUES ('243670', 'RO', 'has_ingredient', '1191')`,

		`INSERT INTO stems VALUES ('aspirin', '1191')`,
		`INSERT INTO stems VALUES ('aspirin', '243670')`,
		`INSERT INTO stems VALUES ('tablet', '243670')`,
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

func runFilter(t *testing.T, p *Provider, property string, op term.FilterOperator, value string) []string {
	t.Helper()
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, property, op, value); err != nil {
		t.Fatalf("build (%s %s %s): %v", property, op, value, err)
	}
	filters, err := p.ExecuteFilters(testCtx(), prep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	it, err := filters[0].Iterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	var out []string
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		code, _ := p.Code(h)
		out = append(out, code)
	}
	return out
}

func TestLocateAndMetadata(t *testing.T) {
	p := testProvider(t)
	if p.TotalCount() != 4 || p.HasParents() {
		t.Errorf("total %d, hasParents %v", p.TotalCount(), p.HasParents())
	}
	loc := p.Locate("1191")
	if !loc.Found() {
		t.Fatalf("locate: %s", loc.Message)
	}
	display, _ := p.Display(loc.Context, nil)
	if display != "aspirin" {
		t.Errorf("display = %q", display)
	}
	if loc := p.Locate("0"); loc.Found() || !strings.Contains(loc.Message, "Unknown code '0'") {
		t.Errorf("unknown: %+v", loc)
	}
}

func TestArchivedIsDeprecated(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("104490")
	if !p.IsDeprecated(loc.Context) || !p.IsInactive(loc.Context) {
		t.Error("expected archived concept to be deprecated")
	}
	if p.Status(loc.Context) != "archived" {
		t.Errorf("status = %q", p.Status(loc.Context))
	}
	active := p.Locate("1191")
	if p.IsDeprecated(active.Context) {
		t.Error("unexpected deprecation")
	}
}

func TestProperties(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("243670")
	props, err := p.Properties(loc.Context)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	var sabs []string
	tty := ""
	for _, prop := range props {
		switch prop.Code {
		case "TTY":
			tty = prop.Value.(string)
		case "SAB":
			sabs = append(sabs, prop.Value.(string))
		}
	}
	if tty != "SCD" {
		t.Errorf("tty = %q", tty)
	}
	if strings.Join(sabs, ",") != "MMSL,RXNORM" {
		t.Errorf("sabs = %v", sabs)
	}
}

func TestSubsumesWithoutHierarchy(t *testing.T) {
	p := testProvider(t)
	out, err := p.SubsumesTest("1191", "243670")
	if err != nil || out != term.NotSubsumed {
		t.Errorf("got %s, %v", out, err)
	}
	out, err = p.SubsumesTest("1191", "1191")
	if err != nil || out != term.Equivalent {
		t.Errorf("self: %s, %v", out, err)
	}
	if _, err := p.SubsumesTest("1191", "0"); term.KindOf(err) != term.KindNotFound {
		t.Errorf("unknown: %v", err)
	}
}

func TestFilters(t *testing.T) {
	p := testProvider(t)
	if got := runFilter(t, p, "TTY", term.OpIn, "SCD,SCDG"); strings.Join(got, ",") != "104490,1156278,243670" {
		t.Errorf("tty = %v", got)
	}
	if got := runFilter(t, p, "SAB", term.OpEquals, "MMSL"); strings.Join(got, ",") != "243670" {
		t.Errorf("sab = %v", got)
	}
	if got := runFilter(t, p, "STY", term.OpEquals, "Clinical Drug"); strings.Join(got, ",") != "243670" {
		t.Errorf("sty = %v", got)
	}
	if got := runFilter(t, p, "has_ingredient", term.OpEquals, "1191"); strings.Join(got, ",") != "243670" {
		t.Errorf("rela = %v", got)
	}
}

func TestUnsupportedFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	err := p.BuildFilter(prep, "TTY", term.OpRegex, ".*")
	if term.KindOf(err) != term.KindNotSupported {
		t.Errorf("build: %v", err)
	}
}

func TestSearchText(t *testing.T) {
	p := testProvider(t)
	got, err := p.SearchText("Aspirin Tablets")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "243670" {
		t.Errorf("search = %v", got)
	}
	got, err = p.SearchText("aspirin")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "1191,243670" {
		t.Errorf("search = %v", got)
	}
}
