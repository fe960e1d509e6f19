// Package omop implements the OMOP vocabulary provider over the importer's
// SQLite database: domain, vocabulary and concept-class metadata plus
// relationship links into other vocabularies. The concept table is too large
// to enumerate; iteration is unsupported and callers must filter.
package omop

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// SystemURI is the canonical OMOP concept-id system.
const SystemURI = "https://fhir-terminology.ohdsi.org"

const handleTag = "omop"

// Provider serves OMOP from a read-only database.
//
// Database schema (importer output):
//
//	concepts(concept_id, concept_name, domain_id, vocabulary_id, concept_class_id, standard_concept, invalid_reason)
//	relationships(concept_id_1, relationship_id, concept_id_2)
//	mappings(concept_id, vocabulary_id, code)
//	metadata(key, value)
type Provider struct {
	provider.NoHierarchy
	provider.NoIteration
	provider.NoSupplements

	db      *sql.DB
	version string
	total   int
}

// New builds a provider over an opened database.
func New(db *sql.DB) (*Provider, error) {
	p := &Provider{db: db}
	if err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'version'`).Scan(&p.version); err != nil {
		return nil, term.Invalid("omop database has no version metadata")
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM concepts`).Scan(&p.total); err != nil {
		return nil, term.NewError(term.KindTransport, "omop database unreadable: %v", err)
	}
	return p, nil
}

type omopContext struct {
	id           string
	name         string
	domain       string
	vocabulary   string
	conceptClass string
	standard     string
	invalid      bool
}

func (c *omopContext) Tag() string { return handleTag }

func (p *Provider) handle(h provider.Context) (*omopContext, error) {
	ctx, ok := h.(*omopContext)
	if !ok {
		return nil, provider.WrongHandle("OMOP", h)
	}
	return ctx, nil
}

func (p *Provider) System() string                { return SystemURI }
func (p *Provider) Version() string               { return p.version }
func (p *Provider) Description() string           { return "OMOP vocabularies " + p.version }
func (p *Provider) TotalCount() int               { return p.total }
func (p *Provider) ContentMode() term.ContentMode { return term.ContentComplete }

func (p *Provider) HasAnyDisplays(langs lang.Languages) bool {
	return langs.IsEmpty() || langs.Matches("en")
}

func (p *Provider) Locate(code string) provider.Located {
	code = strings.TrimSpace(code)
	if code == "" {
		return provider.Located{Message: "Empty code"}
	}
	ctx := &omopContext{id: code}
	var invalidReason string
	err := p.db.QueryRow(
		`SELECT concept_name, domain_id, vocabulary_id, concept_class_id, standard_concept, invalid_reason
		 FROM concepts WHERE concept_id = ?`, code).
		Scan(&ctx.name, &ctx.domain, &ctx.vocabulary, &ctx.conceptClass, &ctx.standard, &invalidReason)
	if err == sql.ErrNoRows {
		return provider.Located{Message: fmt.Sprintf("Unknown concept id '%s' in OMOP", code)}
	}
	if err != nil {
		return provider.Located{Message: err.Error()}
	}
	ctx.invalid = invalidReason != ""
	return provider.Located{Context: ctx}
}

func (p *Provider) Code(h provider.Context) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.id, nil
}

func (p *Provider) Display(h provider.Context, langs lang.Languages) (string, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return "", err
	}
	return ctx.name, nil
}

func (p *Provider) Designations(h provider.Context, out *term.DesignationSet) error {
	ctx, err := p.handle(h)
	if err != nil {
		return err
	}
	out.Add(term.Designation{Language: "en", UseCode: "display", Value: ctx.name})
	return nil
}

func (p *Provider) IsAbstract(h provider.Context) bool { return false }

func (p *Provider) IsInactive(h provider.Context) bool {
	ctx, err := p.handle(h)
	if err != nil {
		return false
	}
	return ctx.invalid
}

func (p *Provider) IsDeprecated(h provider.Context) bool { return p.IsInactive(h) }

func (p *Provider) Status(h provider.Context) string {
	if p.IsInactive(h) {
		return "invalid"
	}
	return "valid"
}

func (p *Provider) ItemWeight(h provider.Context) string { return "" }

func (p *Provider) Properties(h provider.Context) ([]provider.Property, error) {
	ctx, err := p.handle(h)
	if err != nil {
		return nil, err
	}
	props := []provider.Property{
		{Code: "domain-id", Type: "string", Value: ctx.domain},
		{Code: "vocabulary-id", Type: "string", Value: ctx.vocabulary},
		{Code: "concept-class-id", Type: "string", Value: ctx.conceptClass},
	}
	if ctx.standard != "" {
		props = append(props, provider.Property{Code: "standard-concept", Type: "code", Value: ctx.standard})
	}
	return props, nil
}

func (p *Provider) SameConcept(a, b provider.Context) bool {
	ca, errA := p.handle(a)
	cb, errB := p.handle(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca.id == cb.id
}

func (p *Provider) SubsumesTest(a, b string) (term.SubsumptionOutcome, error) {
	for _, code := range []string{a, b} {
		if loc := p.Locate(code); !loc.Found() {
			return "", term.NotFound("%s", loc.Message)
		}
	}
	if a == b {
		return term.Equivalent, nil
	}
	return term.NotSubsumed, nil
}

// MappedCodes returns the codes a concept maps to in another vocabulary; the
// translate worker uses these links for cross-vocabulary matches.
func (p *Provider) MappedCodes(conceptID, vocabularyID string) ([]string, error) {
	return p.queryCodes(
		`SELECT code FROM mappings WHERE concept_id = ? AND vocabulary_id = ? ORDER BY code`,
		conceptID, vocabularyID)
}

// DomainConceptIDs returns every standard concept in a domain; ValueSets are
// constructed from domains this way.
func (p *Provider) DomainConceptIDs(domainID string) ([]string, error) {
	return p.queryCodes(
		`SELECT concept_id FROM concepts WHERE domain_id = ? AND standard_concept = 'S' ORDER BY concept_id`,
		domainID)
}

// ---------------------------------------------------------------------------
// Filters
// ---------------------------------------------------------------------------

type filterSpec struct {
	column string
	values []string
}

var filterColumns = map[string]string{
	"domain":           "domain_id",
	"domain-id":        "domain_id",
	"vocabulary":       "vocabulary_id",
	"vocabulary-id":    "vocabulary_id",
	"concept-class":    "concept_class_id",
	"concept-class-id": "concept_class_id",
	"standard-concept": "standard_concept",
}

func (p *Provider) DoesFilter(property string, op term.FilterOperator, value string) bool {
	_, ok := filterColumns[property]
	return ok && (op == term.OpEquals || op == term.OpIn)
}

func (p *Provider) BuildFilter(prep *provider.Prep, property string, op term.FilterOperator, value string) error {
	column, ok := filterColumns[property]
	if !ok || (op != term.OpEquals && op != term.OpIn) {
		return term.NotSupported("the filter (%s %s %s) is not supported by OMOP", property, op, value)
	}
	var values []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	prep.Add(&filterSpec{column: column, values: values})
	return nil
}

func (p *Provider) ExecuteFilters(ctx *opctx.OperationContext, prep *provider.Prep) ([]provider.Filter, error) {
	var filters []provider.Filter
	for _, raw := range prep.Specs() {
		if err := ctx.DeadCheck("omop.executeFilters"); err != nil {
			return nil, err
		}
		spec, ok := raw.(*filterSpec)
		if !ok {
			return nil, term.Invalid("foreign filter spec passed to OMOP")
		}
		if len(spec.values) == 0 {
			filters = append(filters, provider.NewCodeSetFilter(p, nil))
			continue
		}
		marks := make([]string, len(spec.values))
		args := make([]interface{}, len(spec.values))
		for i, v := range spec.values {
			marks[i] = "?"
			args[i] = v
		}
		codes, err := p.queryCodes(fmt.Sprintf(
			`SELECT concept_id FROM concepts WHERE %s IN (%s) ORDER BY concept_id`,
			spec.column, strings.Join(marks, ",")), args...)
		if err != nil {
			return nil, err
		}
		filters = append(filters, provider.NewCodeSetFilter(p, codes))
	}
	return filters, nil
}

func (p *Provider) queryCodes(query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "omop query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, term.NewError(term.KindTransport, "omop scan failed: %v", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
