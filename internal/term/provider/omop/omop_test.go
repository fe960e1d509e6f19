package omop

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
CREATE TABLE concepts (concept_id TEXT PRIMARY KEY, concept_name TEXT, domain_id TEXT, vocabulary_id TEXT, concept_class_id TEXT, standard_concept TEXT, invalid_reason TEXT);
CREATE TABLE relationships (concept_id_1 TEXT, relationship_id TEXT, concept_id_2 TEXT);
CREATE TABLE mappings (concept_id TEXT, vocabulary_id TEXT, code TEXT);
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
		`INSERT INTO metadata VALUES ('version', 'v5.0 31-AUG-23')`,
		`INSERT INTO concepts VALUES ('201826', 'Type 2 diabetes mellitus', 'Condition', 'SNOMED', 'Clinical Finding', 'S', '')`,
		`INSERT INTO concepts VALUES ('1503297', 'metformin', 'Drug', 'RxNorm', 'Ingredient', 'S', '')`,
		`INSERT INTO concepts VALUES ('44821949', 'Diabetes NOS', 'Condition', 'ICD9CM', 'Diagnosis', '', 'D')`,
		`INSERT INTO mappings VALUES ('201826', 'SNOMED', '44054006')`,
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

func TestLocateAndMetadata(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("201826")
	if !loc.Found() {
		t.Fatalf("locate: %s", loc.Message)
	}
	display, _ := p.Display(loc.Context, nil)
	if display != "Type 2 diabetes mellitus" {
		t.Errorf("display = %q", display)
	}
	props, _ := p.Properties(loc.Context)
	byCode := map[string]interface{}{}
	for _, prop := range props {
		byCode[prop.Code] = prop.Value
	}
	if byCode["domain-id"] != "Condition" || byCode["vocabulary-id"] != "SNOMED" {
		t.Errorf("props = %+v", byCode)
	}
	if loc := p.Locate("0"); loc.Found() || !strings.Contains(loc.Message, "Unknown concept id") {
		t.Errorf("unknown: %+v", loc)
	}
}

func TestInvalidConceptIsInactive(t *testing.T) {
	p := testProvider(t)
	loc := p.Locate("44821949")
	if !p.IsInactive(loc.Context) || p.Status(loc.Context) != "invalid" {
		t.Error("expected invalid concept to be inactive")
	}
}

func TestIterationUnsupported(t *testing.T) {
	p := testProvider(t)
	if _, err := p.IteratorAll(); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("iteratorAll: %v", err)
	}
	if _, err := p.Iterator(nil); term.KindOf(err) != term.KindNotSupported {
		t.Errorf("iterator: %v", err)
	}
}

func TestDomainFilter(t *testing.T) {
	p := testProvider(t)
	prep := &provider.Prep{}
	if err := p.BuildFilter(prep, "domain", term.OpEquals, "Condition"); err != nil {
		t.Fatalf("build: %v", err)
	}
	filters, err := p.ExecuteFilters(opctx.New(opctx.Options{RequestID: "test"}), prep)
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
	if strings.Join(codes, ",") != "201826,44821949" {
		t.Errorf("condition = %v", codes)
	}
}

func TestDomainConceptIDs(t *testing.T) {
	p := testProvider(t)
	ids, err := p.DomainConceptIDs("Condition")
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	// Only standard concepts participate.
	if strings.Join(ids, ",") != "201826" {
		t.Errorf("ids = %v", ids)
	}
}

func TestMappedCodes(t *testing.T) {
	p := testProvider(t)
	codes, err := p.MappedCodes("201826", "SNOMED")
	if err != nil {
		t.Fatalf("mapped: %v", err)
	}
	if strings.Join(codes, ",") != "44054006" {
		t.Errorf("codes = %v", codes)
	}
}
