// Package store is the single durable home for hub state: jobs, runs and
// their event streams, agent enrollment and task rows, the deferred work
// queues, notifications, secrets, and the session/user tables consumed by
// the admin surface. Everything lives in one SQLite database opened in WAL
// mode with strict foreign keys; claim-style transitions are expressed as
// single UPDATE ... RETURNING statements so readers never observe a row in
// between states.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current PRAGMA user_version. Version 1 is the legacy
// layout with a flat, hub-global secrets table; version 2 is node-scoped.
const schemaVersion = 2

// busyTimeout is how long a statement waits on a locked database before
// failing with SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// Store wraps the SQLite connection with bastion-specific operations.
type Store struct {
	conn *sql.DB
}

// Open creates or opens the bastion database at the given path.
// It enables WAL mode, foreign keys, and a busy timeout on every pooled
// connection, then runs schema migrations. The special path ":memory:"
// opens a private in-memory database for tests.
func Open(path string) (*Store, error) {
	var conn *sql.DB
	var err error

	if path == ":memory:" {
		conn, err = sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// Every pool connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{
			fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("apply %s: %w", pragma, err)
			}
		}
	} else {
		// Pragmas go through the DSN so they apply to every connection the
		// pool opens, not just the first.
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
			path, busyTimeout.Milliseconds())
		conn, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// migrate brings the schema up to schemaVersion. A fresh database gets the
// full current schema. A version-1 database has its flat secrets table
// rewritten into the node-scoped shape and then dropped.
func (s *Store) migrate() error {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	switch version {
	case 0:
		if _, err := s.conn.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	case 1:
		if err := s.migrateLegacySecrets(); err != nil {
			return err
		}
	case schemaVersion:
		return nil
	default:
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, schemaVersion)
	}

	if _, err := s.conn.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

const schema = `
-- Jobs: operator-defined backup definitions.
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL UNIQUE,
    agent_id            TEXT,
    schedule            TEXT,
    schedule_timezone   TEXT NOT NULL DEFAULT '',
    overlap_policy      TEXT NOT NULL DEFAULT 'queue',
    spec_json           TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

-- Runs: one attempt to execute a job.
CREATE TABLE IF NOT EXISTS runs (
    id                   TEXT PRIMARY KEY,
    job_id               TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    status               TEXT NOT NULL,
    source               TEXT NOT NULL DEFAULT 'manual',
    started_at           INTEGER NOT NULL,
    ended_at             INTEGER,
    progress_json        TEXT,
    summary_json         TEXT,
    error                TEXT,
    target_snapshot_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_ended ON runs(ended_at);

-- Run events: dense, monotonic per-run sequence starting at 1.
CREATE TABLE IF NOT EXISTS run_events (
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    ts          INTEGER NOT NULL,
    level       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    message     TEXT NOT NULL,
    fields_json TEXT,
    PRIMARY KEY (run_id, seq)
);

-- Operations: user-initiated restore/verify actions with their own stream.
CREATE TABLE IF NOT EXISTS operations (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    error       TEXT
);
CREATE TABLE IF NOT EXISTS operation_events (
    operation_id TEXT NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    ts           INTEGER NOT NULL,
    level        TEXT NOT NULL,
    kind         TEXT NOT NULL,
    message      TEXT NOT NULL,
    fields_json  TEXT,
    PRIMARY KEY (operation_id, seq)
);

-- Enrolled agents.
CREATE TABLE IF NOT EXISTS agents (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    key_hash     TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    last_seen_at INTEGER
);

-- Outstanding task dispatched to an agent. task_id equals run_id.
CREATE TABLE IF NOT EXISTS agent_tasks (
    task_id      TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    status       TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

-- Deferred artifact deletion, keyed by run so upserts are idempotent.
CREATE TABLE IF NOT EXISTS delete_tasks (
    run_id               TEXT PRIMARY KEY,
    job_id               TEXT NOT NULL,
    node_id              TEXT NOT NULL,
    target_type          TEXT NOT NULL,
    target_snapshot_json TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'queued',
    attempts             INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    last_attempt_at      INTEGER,
    next_attempt_at      INTEGER NOT NULL,
    last_error_kind      TEXT,
    last_error           TEXT,
    ignored_at           INTEGER,
    ignored_by_user_id   TEXT,
    ignore_reason        TEXT
);
CREATE INDEX IF NOT EXISTS idx_delete_tasks_due ON delete_tasks(status, next_attempt_at);

-- Incomplete-run cleanup, same shape as delete_tasks.
CREATE TABLE IF NOT EXISTS cleanup_tasks (
    run_id               TEXT PRIMARY KEY,
    job_id               TEXT NOT NULL,
    node_id              TEXT NOT NULL,
    target_type          TEXT NOT NULL,
    target_snapshot_json TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'queued',
    attempts             INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    last_attempt_at      INTEGER,
    next_attempt_at      INTEGER NOT NULL,
    last_error_kind      TEXT,
    last_error           TEXT,
    ignored_at           INTEGER,
    ignored_by_user_id   TEXT,
    ignore_reason        TEXT
);
CREATE INDEX IF NOT EXISTS idx_cleanup_tasks_due ON cleanup_tasks(status, next_attempt_at);

-- Append-only event log shared by both deferred queues.
CREATE TABLE IF NOT EXISTS task_events (
    queue   TEXT NOT NULL,
    run_id  TEXT NOT NULL,
    ts      INTEGER NOT NULL,
    kind    TEXT NOT NULL,
    message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_run ON task_events(queue, run_id);

-- Notification outbox.
CREATE TABLE IF NOT EXISTS notifications (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    channel         TEXT NOT NULL,
    secret_name     TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'queued',
    attempts        INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    next_attempt_at INTEGER NOT NULL,
    last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, next_attempt_at);

-- Sealed credentials, at most one per (owner node, kind, handle).
CREATE TABLE IF NOT EXISTS secrets (
    node_id    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    name       TEXT NOT NULL,
    kid        TEXT NOT NULL,
    nonce      BLOB NOT NULL,
    ciphertext BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (node_id, kind, name)
);

-- Consumed only by the admin HTTP surface.
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    csrf_token TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
`

// migrateLegacySecrets rewrites the version-1 flat secrets table into the
// node-scoped shape. Legacy rows belonged to the hub, so they land under
// node_id 'hub'. The unified model keeps exactly one shape.
func (s *Store) migrateLegacySecrets() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("ALTER TABLE secrets RENAME TO secrets_legacy"); err != nil {
		return fmt.Errorf("rename legacy secrets: %w", err)
	}
	if _, err := tx.Exec(`CREATE TABLE secrets (
		node_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL,
		kid        TEXT NOT NULL,
		nonce      BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (node_id, kind, name)
	)`); err != nil {
		return fmt.Errorf("create node-scoped secrets: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO secrets (node_id, kind, name, kid, nonce, ciphertext, updated_at)
		SELECT 'hub', kind, name, kid, nonce, ciphertext, updated_at FROM secrets_legacy`); err != nil {
		return fmt.Errorf("copy legacy secrets: %w", err)
	}
	if _, err := tx.Exec("DROP TABLE secrets_legacy"); err != nil {
		return fmt.Errorf("drop legacy secrets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 converts a zero timestamp to a SQL NULL.
func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
