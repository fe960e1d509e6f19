package conceptmap

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type conceptMapRepoPG struct{ pool *pgxpool.Pool }

func NewConceptMapRepoPG(pool *pgxpool.Pool) ConceptMapRepository {
	return &conceptMapRepoPG{pool: pool}
}

const cmCols = `id, fhir_id, url, version, name, status, source_scope, target_scope, resource, created_at, updated_at`

func (r *conceptMapRepoPG) scanRow(row pgx.Row) (*ConceptMap, error) {
	var cm ConceptMap
	err := row.Scan(&cm.ID, &cm.FHIRID, &cm.URL, &cm.Version, &cm.Name, &cm.Status,
		&cm.SourceScope, &cm.TargetScope, &cm.Resource, &cm.CreatedAt, &cm.UpdatedAt)
	return &cm, err
}

func (r *conceptMapRepoPG) Create(ctx context.Context, cm *ConceptMap) error {
	cm.ID = uuid.New()
	if cm.FHIRID == "" {
		cm.FHIRID = cm.ID.String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO concept_map (id, fhir_id, url, version, name, status, source_scope, target_scope, resource)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (url, version) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status,
			source_scope = EXCLUDED.source_scope, target_scope = EXCLUDED.target_scope,
			resource = EXCLUDED.resource, updated_at = NOW()`,
		cm.ID, cm.FHIRID, cm.URL, cm.Version, cm.Name, cm.Status,
		cm.SourceScope, cm.TargetScope, cm.Resource)
	return err
}

func (r *conceptMapRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*ConceptMap, error) {
	return r.scanRow(r.pool.QueryRow(ctx, `SELECT `+cmCols+` FROM concept_map WHERE fhir_id = $1`, fhirID))
}

func (r *conceptMapRepoPG) GetByURL(ctx context.Context, url, version string) (*ConceptMap, error) {
	if version != "" {
		return r.scanRow(r.pool.QueryRow(ctx,
			`SELECT `+cmCols+` FROM concept_map WHERE url = $1 AND version = $2`, url, version))
	}
	return r.scanRow(r.pool.QueryRow(ctx,
		`SELECT `+cmCols+` FROM concept_map WHERE url = $1 ORDER BY version DESC LIMIT 1`, url))
}

func (r *conceptMapRepoPG) List(ctx context.Context, limit, offset int) ([]*ConceptMap, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM concept_map`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+cmCols+` FROM concept_map ORDER BY url, version LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *conceptMapRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ConceptMap, int, error) {
	query := `SELECT ` + cmCols + ` FROM concept_map WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM concept_map WHERE 1=1`
	var args []interface{}
	idx := 1

	cols := map[string]string{
		"url":          "url",
		"version":      "version",
		"status":       "status",
		"source-scope": "source_scope",
		"target-scope": "target_scope",
	}
	for _, param := range []string{"url", "version", "status", "source-scope", "target-scope"} {
		if p, ok := params[param]; ok {
			query += fmt.Sprintf(` AND %s = $%d`, cols[param], idx)
			countQuery += fmt.Sprintf(` AND %s = $%d`, cols[param], idx)
			args = append(args, p)
			idx++
		}
	}
	if p, ok := params["name"]; ok {
		query += fmt.Sprintf(` AND name ILIKE '%%' || $%d || '%%'`, idx)
		countQuery += fmt.Sprintf(` AND name ILIKE '%%' || $%d || '%%'`, idx)
		args = append(args, p)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY url, version LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *conceptMapRepoPG) All(ctx context.Context) ([]*ConceptMap, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+cmCols+` FROM concept_map ORDER BY url, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, _, err := r.collect(rows, 0)
	return items, err
}

func (r *conceptMapRepoPG) collect(rows pgx.Rows, total int) ([]*ConceptMap, int, error) {
	var items []*ConceptMap
	for rows.Next() {
		cm, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cm)
	}
	return items, total, rows.Err()
}
