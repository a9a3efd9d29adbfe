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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
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

	// Single writer connection: SQLite serializes writes anyway, and one
	// pooled connection keeps every session pragma in force.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
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

// BootstrapSQLite creates tables/indexes if missing.
//
// processing_records is the idempotency ledger: exactly one row per distinct
// event id, keyed so the first concurrent insert wins. audit_log is append-only;
// seq provides the total order the entry hash chain is computed over.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_records (
  event_id      TEXT PRIMARY KEY,
  event_type    TEXT NOT NULL,
  status        TEXT NOT NULL,
  first_seen_at TEXT NOT NULL,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  id          TEXT NOT NULL UNIQUE,
  delivery_id TEXT NOT NULL,
  event_type  TEXT,
  event_id    TEXT,
  outcome     TEXT NOT NULL,
  detail      TEXT,
  created_at  TEXT NOT NULL,
  prev_hash   TEXT NOT NULL,
  entry_hash  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS processing_records_status_first_seen_idx ON processing_records(status, first_seen_at);`,
		`CREATE INDEX IF NOT EXISTS audit_log_delivery_id_idx ON audit_log(delivery_id);`,
		`CREATE INDEX IF NOT EXISTS audit_log_event_id_idx ON audit_log(event_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
