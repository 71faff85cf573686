package store

import (
	"context"
	"fmt"
	"strings"
)

// SchemaVersion is the schema version written by Migrate.
const SchemaVersion = 2

// Migrate creates (or upgrades) the schema in-place. The DDL is shared by
// SQLite and PostgreSQL; blob fields are JSON text and timestamps are
// fixed-width UTC text so they sort lexically.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			abstract TEXT NOT NULL,
			keywords TEXT NOT NULL,
			ows_context_url TEXT NOT NULL,
			process_version TEXT NOT NULL,
			job_control_options TEXT NOT NULL,
			output_transmission TEXT NOT NULL,
			immediate_deployment INTEGER NOT NULL,
			execution_unit TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_owner TEXT NOT NULL,
			proc_id TEXT NOT NULL,
			inputs TEXT NOT NULL,
			backend_info TEXT,
			metrics TEXT NOT NULL,
			status TEXT NOT NULL,
			time_created TEXT NOT NULL,
			time_updated TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_proc_id ON jobs(proc_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: ordered listing by creation time.
	if current < 2 {
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_time_created ON jobs(time_created)`); err != nil {
			msg := err.Error()
			if !strings.Contains(msg, "already exists") {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, d.rebind(`UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
