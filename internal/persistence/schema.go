package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/flightrec/internal/shared"
)

const (
	// v1: core Flight Recorder tables as first shipped.
	schemaVersionV1  = 1
	schemaChecksumV1 = "fr-v1-2026-09-02-core"

	// v2: audit extension, checkpoint tables, tasks.updated_at and
	// requirements.created_at for rollback ordering.
	schemaVersionV2  = 2
	schemaChecksumV2 = "fr-v2-2026-10-01-audit-checkpoints"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// nowExpr renders UTC ISO-8601 with milliseconds so lexical order is
	// chronological.
	nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ','now')`
)

// CoreTables lists the Flight Recorder tables in dependency order.
var CoreTables = []string{
	"projects",
	"documents",
	"requirements",
	"epics",
	"tasks",
	"agent_logs",
	"entropy_events",
}

// AuditTables are added by the audit extension.
var AuditTables = []string{"decision_logs"}

// CheckpointTables belong to the external graph engine; the store creates
// them so a fresh file is self-contained.
var CheckpointTables = []string{"checkpoints", "checkpoint_writes"}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT    NOT NULL,
		status         TEXT    NOT NULL DEFAULT 'INITIALIZING',
		current_phase  TEXT,
		last_milestone TEXT,
		metadata       TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS documents (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name       TEXT    NOT NULL,
		content    TEXT,
		version    INTEGER NOT NULL DEFAULT 1,
		status     TEXT    NOT NULL DEFAULT 'draft'
	);`,
	`CREATE TABLE IF NOT EXISTS requirements (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id  INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		description TEXT    NOT NULL,
		priority    TEXT    NOT NULL DEFAULT 'medium',
		status      TEXT    NOT NULL DEFAULT 'pending',
		metadata    TEXT,
		created_at  TEXT    DEFAULT (` + nowExpr + `)
	);`,
	`CREATE TABLE IF NOT EXISTS epics (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id  INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name        TEXT    NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		status      TEXT    NOT NULL DEFAULT 'pending'
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		epic_id         INTEGER NOT NULL REFERENCES epics(id) ON DELETE CASCADE,
		title           TEXT    NOT NULL,
		description     TEXT,
		status          TEXT    NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'in_progress', 'completed', 'failed', 'skipped')),
		git_commit_hash TEXT,
		updated_at      TEXT    DEFAULT (` + nowExpr + `)
	);`,
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		epic_id      INTEGER          REFERENCES epics(id) ON DELETE CASCADE,
		timestamp    TEXT    NOT NULL DEFAULT (` + nowExpr + `),
		role         TEXT    NOT NULL,
		content_type TEXT    NOT NULL,
		content      TEXT    NOT NULL,
		commit_hash  TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS entropy_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		hash_chain   TEXT    NOT NULL,
		error_output TEXT,
		timestamp    TEXT    NOT NULL DEFAULT (` + nowExpr + `)
	);`,
	`CREATE TABLE IF NOT EXISTS decision_logs (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id                 INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp               TEXT    NOT NULL DEFAULT (` + nowExpr + `),
		alternative_considered  TEXT,
		reasoning_for_rejection TEXT,
		selected_option         TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id            TEXT NOT NULL,
		checkpoint_ns        TEXT NOT NULL DEFAULT '',
		checkpoint_id        TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		type                 TEXT,
		checkpoint           BLOB NOT NULL,
		metadata             BLOB NOT NULL,
		created_at           TEXT NOT NULL DEFAULT (` + nowExpr + `),
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	);`,
	`CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id     TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		task_id       TEXT NOT NULL,
		idx           INTEGER NOT NULL,
		channel       TEXT NOT NULL,
		type          TEXT,
		value         BLOB,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
	);`,
}

// Columns added in v2 to tables a v1 file already has. SQLite cannot add a
// column with an expression default, so upgraded rows start NULL.
var v2Columns = []struct {
	table, column, ddl string
}{
	{"tasks", "updated_at", "ALTER TABLE tasks ADD COLUMN updated_at TEXT"},
	{"requirements", "created_at", "ALTER TABLE requirements ADD COLUMN created_at TEXT"},
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_epics_project_id ON epics(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_epic_id ON tasks(epic_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_commit_hash ON tasks(git_commit_hash);`,
	`CREATE INDEX IF NOT EXISTS idx_requirements_project_id ON requirements(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_task_id ON agent_logs(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_epic_id ON agent_logs(epic_id);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp ON agent_logs(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_decision_logs_task_id ON decision_logs(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_decision_logs_timestamp ON decision_logs(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_entropy_events_task_id ON entropy_events(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoint_writes_task ON checkpoint_writes(thread_id, task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(thread_id, created_at);`,
}

// InitializeSchema creates or upgrades every table and index. It is
// idempotent and runs inside the writer lock.
func (s *Store) InitializeSchema(ctx context.Context) error {
	if err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		return initSchemaTx(ctx, q)
	}); err != nil {
		return err
	}
	return nil
}

func initSchemaTx(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (`+nowExpr+`)
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return shared.IntegrityViolation("initialize schema",
			fmt.Sprintf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest), nil)
	}

	knownChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existing string
		if err := q.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := knownChecksums[maxVersion]; existing != want {
			return shared.IntegrityViolation("initialize schema",
				fmt.Sprintf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want), nil)
		}
	}

	for _, stmt := range tableStatements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Backfill columns for v1 files before indexes reference them.
	for _, c := range v2Columns {
		ok, err := ColumnExists(ctx, q, c.table, c.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := q.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}

	for _, stmt := range indexStatements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if maxVersion == schemaVersionLatest {
		return nil
	}
	if _, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return nil
}

// ColumnExists reports whether table has the named column.
func ColumnExists(ctx context.Context, q Querier, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// TableExists reports whether a table with the given name exists.
func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe table %s: %w", table, err)
	}
	return true, nil
}

// SchemaObjects returns the sorted names of user tables and indexes. Used to
// compare schema state across initializations.
func SchemaObjects(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type || ':' || name FROM sqlite_master
		WHERE type IN ('table', 'index') AND name NOT LIKE 'sqlite_%'
		ORDER BY type, name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schema objects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema object: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
