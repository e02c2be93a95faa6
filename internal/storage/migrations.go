package storage

import (
	"context"
	"fmt"
	"strings"
)

// migrations run in order; schema_migrations records the applied versions.
// Column types stick to the sqlite/postgres common subset (TEXT, INTEGER,
// REAL, TIMESTAMP); JSON columns are TEXT.
var migrations = []struct {
	version int
	name    string
	stmts   []string
}{
	{
		version: 1,
		name:    "catalog core",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS knowledge_bases (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				org_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				embedding_provider TEXT NOT NULL,
				embedding_model TEXT NOT NULL,
				embedding_dimension INTEGER NOT NULL,
				embedding_normalized BOOLEAN NOT NULL DEFAULT FALSE,
				default_chunking TEXT NOT NULL DEFAULT '{}',
				created_by TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_kb_workspace
				ON knowledge_bases (workspace_id, status)`,
			`CREATE TABLE IF NOT EXISTS sources (
				id TEXT PRIMARY KEY,
				kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
				workspace_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				reference TEXT NOT NULL,
				config TEXT NOT NULL DEFAULT '{}',
				chunking TEXT,
				annotations TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sources_kb
				ON sources (workspace_id, kb_id)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
				source_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				uri TEXT NOT NULL DEFAULT '',
				checksum TEXT NOT NULL,
				status TEXT NOT NULL,
				word_count INTEGER NOT NULL DEFAULT 0,
				char_count INTEGER NOT NULL DEFAULT 0,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				parse_metadata TEXT NOT NULL DEFAULT '{}',
				fail_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (kb_id, checksum)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_kb
				ON documents (workspace_id, kb_id, status)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
				kb_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				ordinal INTEGER NOT NULL,
				content TEXT NOT NULL,
				element_path TEXT NOT NULL DEFAULT '[]',
				token_count INTEGER NOT NULL DEFAULT 0,
				char_count INTEGER NOT NULL DEFAULT 0,
				heading_trail TEXT NOT NULL DEFAULT '[]',
				page INTEGER NOT NULL DEFAULT 0,
				table_id TEXT NOT NULL DEFAULT '',
				annotations TEXT NOT NULL DEFAULT '[]',
				oversized BOOLEAN NOT NULL DEFAULT FALSE,
				vector_id TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMP NOT NULL,
				UNIQUE (document_id, ordinal)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_kb
				ON chunks (workspace_id, kb_id, enabled)`,
		},
	},
	{
		version: 2,
		name:    "pipeline runs",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS pipeline_runs (
				id TEXT PRIMARY KEY,
				kb_id TEXT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
				workspace_id TEXT NOT NULL,
				state TEXT NOT NULL,
				stage TEXT NOT NULL DEFAULT 'ingest',
				progress_pct REAL NOT NULL DEFAULT 0,
				docs_total INTEGER NOT NULL DEFAULT 0,
				docs_done INTEGER NOT NULL DEFAULT 0,
				docs_failed INTEGER NOT NULL DEFAULT 0,
				chunks_created INTEGER NOT NULL DEFAULT 0,
				vectors_indexed INTEGER NOT NULL DEFAULT 0,
				fail_reason TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP,
				finished_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_kb
				ON pipeline_runs (workspace_id, kb_id, state)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_state
				ON pipeline_runs (state)`,
			`CREATE TABLE IF NOT EXISTS stage_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
				ts TIMESTAMP NOT NULL,
				stage TEXT NOT NULL,
				level TEXT NOT NULL,
				source_id TEXT,
				document_id TEXT,
				chunk_id TEXT,
				message TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_stage_events_run
				ON stage_events (run_id, ts)`,
		},
	},
	{
		version: 3,
		name:    "one active run per kb",
		stmts: []string{
			// Partial unique index backs the single-active-run rule so
			// concurrent creates race at the database, not in Go.
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
				ON pipeline_runs (kb_id)
				WHERE state IN ('queued', 'running', 'paused')`,
		},
	},
}

// Migrate applies pending migrations. Safe to call on every startup.
func Migrate(ctx context.Context, db DB, driverName string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := db.ExecContext(ctx, adaptStatement(stmt, driverName)); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, CURRENT_TIMESTAMP)`,
			m.version, m.name,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// adaptStatement papers over the sqlite/postgres DDL differences we hit:
// AUTOINCREMENT vs BIGSERIAL for the stage event id.
func adaptStatement(stmt, driverName string) string {
	if driverName == "postgres" {
		return strings.Replace(stmt,
			"id INTEGER PRIMARY KEY AUTOINCREMENT",
			"id BIGSERIAL PRIMARY KEY", 1)
	}
	return stmt
}
