package valueset

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type valueSetRepoPG struct{ pool *pgxpool.Pool }

func NewValueSetRepoPG(pool *pgxpool.Pool) ValueSetRepository {
	return &valueSetRepoPG{pool: pool}
}

const vsCols = `id, fhir_id, url, version, name, status, resource, created_at, updated_at`

func (r *valueSetRepoPG) scanRow(row pgx.Row) (*ValueSet, error) {
	var vs ValueSet
	err := row.Scan(&vs.ID, &vs.FHIRID, &vs.URL, &vs.Version, &vs.Name,
		&vs.Status, &vs.Resource, &vs.CreatedAt, &vs.UpdatedAt)
	return &vs, err
}

func (r *valueSetRepoPG) Create(ctx context.Context, vs *ValueSet) error {
	vs.ID = uuid.New()
	if vs.FHIRID == "" {
		vs.FHIRID = vs.ID.String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO value_set (id, fhir_id, url, version, name, status, resource)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (url, version) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status,
			resource = EXCLUDED.resource, updated_at = NOW()`,
		vs.ID, vs.FHIRID, vs.URL, vs.Version, vs.Name, vs.Status, vs.Resource)
	return err
}

func (r *valueSetRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*ValueSet, error) {
	return r.scanRow(r.pool.QueryRow(ctx, `SELECT `+vsCols+` FROM value_set WHERE fhir_id = $1`, fhirID))
}

func (r *valueSetRepoPG) GetByURL(ctx context.Context, url, version string) (*ValueSet, error) {
	if version != "" {
		return r.scanRow(r.pool.QueryRow(ctx,
			`SELECT `+vsCols+` FROM value_set WHERE url = $1 AND version = $2`, url, version))
	}
	return r.scanRow(r.pool.QueryRow(ctx,
		`SELECT `+vsCols+` FROM value_set WHERE url = $1 ORDER BY version DESC LIMIT 1`, url))
}

func (r *valueSetRepoPG) List(ctx context.Context, limit, offset int) ([]*ValueSet, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM value_set`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+vsCols+` FROM value_set ORDER BY url, version LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *valueSetRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ValueSet, int, error) {
	query := `SELECT ` + vsCols + ` FROM value_set WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM value_set WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, col := range []string{"url", "version", "status"} {
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
	return r.collect(rows, total)
}

func (r *valueSetRepoPG) All(ctx context.Context) ([]*ValueSet, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+vsCols+` FROM value_set ORDER BY url, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, _, err := r.collect(rows, 0)
	return items, err
}

func (r *valueSetRepoPG) collect(rows pgx.Rows, total int) ([]*ValueSet, int, error) {
	var items []*ValueSet
	for rows.Next() {
		vs, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, vs)
	}
	return items, total, rows.Err()
}
