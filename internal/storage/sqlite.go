package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the history database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer, readers on the API path. WAL keeps them from
	// blocking each other.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the command audit tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
  seq           INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id    TEXT NOT NULL,
  channel       TEXT NOT NULL,
  command       TEXT NOT NULL,
  owner_conn    TEXT NOT NULL,
  enqueued_at   TEXT NOT NULL,
  dispatched_at TEXT,
  resolved_at   TEXT,
  outcome       TEXT NOT NULL,
  error_code    TEXT,
  latency_ms    INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS commands_channel_enqueued_idx ON commands(channel, enqueued_at);`,
		`CREATE INDEX IF NOT EXISTS commands_request_id_idx ON commands(request_id);`,
		`CREATE INDEX IF NOT EXISTS commands_outcome_idx ON commands(outcome);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
