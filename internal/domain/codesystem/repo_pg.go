package codesystem

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type codeSystemRepoPG struct{ pool *pgxpool.Pool }

func NewCodeSystemRepoPG(pool *pgxpool.Pool) CodeSystemRepository {
	return &codeSystemRepoPG{pool: pool}
}

const csCols = `id, fhir_id, url, version, name, status, content, resource, created_at, updated_at`

func (r *codeSystemRepoPG) scanRow(row pgx.Row) (*CodeSystem, error) {
	var cs CodeSystem
	err := row.Scan(&cs.ID, &cs.FHIRID, &cs.URL, &cs.Version, &cs.Name,
		&cs.Status, &cs.Content, &cs.Resource, &cs.CreatedAt, &cs.UpdatedAt)
	return &cs, err
}

func (r *codeSystemRepoPG) Create(ctx context.Context, cs *CodeSystem) error {
	cs.ID = uuid.New()
	if cs.FHIRID == "" {
		cs.FHIRID = cs.ID.String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO code_system (id, fhir_id, url, version, name, status, content, resource)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (url, version) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status,
			content = EXCLUDED.content, resource = EXCLUDED.resource, updated_at = NOW()`,
		cs.ID, cs.FHIRID, cs.URL, cs.Version, cs.Name, cs.Status, cs.Content, cs.Resource)
	return err
}

func (r *codeSystemRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*CodeSystem, error) {
	return r.scanRow(r.pool.QueryRow(ctx, `SELECT `+csCols+` FROM code_system WHERE fhir_id = $1`, fhirID))
}

func (r *codeSystemRepoPG) GetByURL(ctx context.Context, url, version string) (*CodeSystem, error) {
	if version != "" {
		return r.scanRow(r.pool.QueryRow(ctx,
			`SELECT `+csCols+` FROM code_system WHERE url = $1 AND version = $2`, url, version))
	}
	return r.scanRow(r.pool.QueryRow(ctx,
		`SELECT `+csCols+` FROM code_system WHERE url = $1 ORDER BY version DESC LIMIT 1`, url))
}

func (r *codeSystemRepoPG) List(ctx context.Context, limit, offset int) ([]*CodeSystem, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM code_system`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+csCols+` FROM code_system ORDER BY url, version LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(r, rows, total)
}

func (r *codeSystemRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CodeSystem, int, error) {
	query := `SELECT ` + csCols + ` FROM code_system WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM code_system WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, col := range []string{"url", "version", "status", "content"} {
		if p, ok := params[col]; ok {
			query += fmt.Sprintf(` AND %s = $%d`, col, idx)
			countQuery += fmt.Sprintf(` AND %s = $%d`, col, idx)
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
	return collect(r, rows, total)
}

func (r *codeSystemRepoPG) All(ctx context.Context) ([]*CodeSystem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+csCols+` FROM code_system ORDER BY url, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, _, err := collect(r, rows, 0)
	return items, err
}

func collect(r *codeSystemRepoPG, rows pgx.Rows, total int) ([]*CodeSystem, int, error) {
	var items []*CodeSystem
	for rows.Next() {
		cs, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, cs)
	}
	return items, total, rows.Err()
}
