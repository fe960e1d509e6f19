package snomed

import (
	"database/sql"
	"fmt"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/ecl"
)

// store wraps the precompiled cache database and implements ecl.Store.
//
// Cache schema (produced by the import tooling, read-only at runtime):
//
//	concepts(id, active, effective_time, module_id)
//	descriptions(concept_id, term, type_id, lang, active, preferred)
//	hierarchy(parent_id, child_id)            direct is-a edges
//	closure(ancestor_id, descendant_id)       transitive closure, no self rows
//	relationships(source_id, type_id, destination_id, rel_group, active)
//	concrete_values(source_id, type_id, value, value_kind)
//	refset_members(refset_id, referenced_id, active)
//	mrcm_domains(type_id, domain_id)
//	mrcm_ranges(type_id, range_id)
//	metadata(key, value)
type store struct {
	db *sql.DB
}

func (s *store) queryStrings(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, term.NewError(term.KindTransport, "snomed cache scan failed: %v", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *store) metadata(key string) string {
	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return ""
	}
	return v
}

func (s *store) ConceptExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM concepts WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	return true, nil
}

func (s *store) ActiveDescriptions(id string) ([]string, error) {
	return s.queryStrings(
		`SELECT term FROM descriptions WHERE concept_id = ? AND active = 1
		 ORDER BY preferred DESC, term`, id)
}

func (s *store) Parents(id string) ([]string, error) {
	return s.queryStrings(
		`SELECT parent_id FROM hierarchy WHERE child_id = ? ORDER BY parent_id`, id)
}

func (s *store) Children(id string) ([]string, error) {
	return s.queryStrings(
		`SELECT child_id FROM hierarchy WHERE parent_id = ? ORDER BY child_id`, id)
}

func (s *store) Descendants(id string) ([]string, error) {
	return s.queryStrings(
		`SELECT descendant_id FROM closure WHERE ancestor_id = ? ORDER BY descendant_id`, id)
}

func (s *store) Ancestors(id string) ([]string, error) {
	return s.queryStrings(
		`SELECT ancestor_id FROM closure WHERE descendant_id = ? ORDER BY ancestor_id`, id)
}

func (s *store) IsA(child, ancestor string) (bool, error) {
	if child == ancestor {
		return s.ConceptExists(child)
	}
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM closure WHERE ancestor_id = ? AND descendant_id = ?`,
		ancestor, child).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, term.NewError(term.KindTransport, "snomed cache query failed: %v", err)
	}
	return true, nil
}

func (s *store) RefsetMembers(refsetID string) ([]string, error) {
	return s.queryStrings(
		`SELECT referenced_id FROM refset_members WHERE refset_id = ? AND active = 1
		 ORDER BY referenced_id`, refsetID)
}

func (s *store) TargetsOf(sourceID, typeID string) ([]string, error) {
	return s.queryStrings(
		`SELECT destination_id FROM relationships
		 WHERE source_id = ? AND type_id = ? AND active = 1 ORDER BY destination_id`,
		sourceID, typeID)
}

func (s *store) SourcesWithTarget(typeID, targetID string) ([]string, error) {
	return s.queryStrings(
		`SELECT source_id FROM relationships
		 WHERE type_id = ? AND destination_id = ? AND active = 1 ORDER BY source_id`,
		typeID, targetID)
}

func (s *store) SourcesWithConcreteValue(typeID, comparator string, value *ecl.Literal) ([]string, error) {
	var op string
	switch comparator {
	case "=", "!=", "<", ">", "<=", ">=":
		op = comparator
	default:
		return nil, term.Invalid("unsupported concrete-value comparator %q", comparator)
	}
	if value.Kind == ecl.LitString {
		if op != "=" && op != "!=" {
			return nil, term.Invalid("comparator %q is not valid for string values", comparator)
		}
		return s.queryStrings(fmt.Sprintf(
			`SELECT source_id FROM concrete_values
			 WHERE type_id = ? AND value_kind = 'str' AND value %s ? ORDER BY source_id`, op),
			typeID, value.Text)
	}
	return s.queryStrings(fmt.Sprintf(
		`SELECT source_id FROM concrete_values
		 WHERE type_id = ? AND value_kind IN ('int', 'dec')
		 AND CAST(value AS REAL) %s CAST(? AS REAL) ORDER BY source_id`, op),
		typeID, value.Text)
}

func (s *store) AttributeDomain(typeID string) ([]string, error) {
	return s.queryStrings(
		`SELECT domain_id FROM mrcm_domains WHERE type_id = ? ORDER BY domain_id`, typeID)
}

func (s *store) AttributeRange(typeID string) ([]string, error) {
	return s.queryStrings(
		`SELECT range_id FROM mrcm_ranges WHERE type_id = ? ORDER BY range_id`, typeID)
}

func (s *store) AllConcepts(limit int) ([]string, error) {
	return s.queryStrings(
		`SELECT id FROM concepts WHERE active = 1 ORDER BY id LIMIT ?`, limit)
}

func (s *store) totalCount() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM concepts`).Scan(&n); err != nil {
		return 0
	}
	return n
}
