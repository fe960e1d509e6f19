package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the canonical-resource tables. Each row stores the full FHIR
// resource as JSONB next to the columns the registry queries by.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS code_system (
		id UUID PRIMARY KEY,
		fhir_id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		content TEXT NOT NULL DEFAULT 'complete',
		resource JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (url, version)
	)`,
	`CREATE TABLE IF NOT EXISTS value_set (
		id UUID PRIMARY KEY,
		fhir_id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		resource JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (url, version)
	)`,
	`CREATE TABLE IF NOT EXISTS concept_map (
		id UUID PRIMARY KEY,
		fhir_id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		source_scope TEXT NOT NULL DEFAULT '',
		target_scope TEXT NOT NULL DEFAULT '',
		resource JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (url, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_code_system_url ON code_system (url)`,
	`CREATE INDEX IF NOT EXISTS idx_value_set_url ON value_set (url)`,
	`CREATE INDEX IF NOT EXISTS idx_concept_map_url ON concept_map (url)`,
}

// EnsureSchema creates the canonical-resource tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
