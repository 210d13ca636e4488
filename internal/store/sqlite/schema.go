package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			-- command is a JSON array of arguments.
			command TEXT NOT NULL,
			-- environment_variables is a JSON object, NULL until first captured.
			environment_variables TEXT,
			worker_name TEXT,
			docker_container_id TEXT,
			state TEXT NOT NULL
				CHECK (state IN ('pending', 'running', 'finished', 'failed', 'stopped')),
			created_at TEXT NOT NULL,
			started_at TEXT,
			started_at_fallback TEXT,
			stopped_at TEXT,
			runtime INTEGER,
			exit_code INTEGER,
			error_message TEXT,
			output TEXT,
			error_output TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(queue, state, id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_container
			ON jobs(docker_container_id) WHERE docker_container_id IS NOT NULL;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}
