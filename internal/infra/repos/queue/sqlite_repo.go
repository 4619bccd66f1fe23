package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (and creates) the queue database at path. Parent
// directories are created as needed.
func OpenSQLite(path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("queue db path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue db directory: %w", err)
		}
	}
	db, err := OpenSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db, dialect: DialectSQLite, migrate: migrateSQLite, now: time.Now}, nil
}

// OpenSQLiteDB opens a single-connection handle with WAL and a busy timeout.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

type migration struct {
	v  int
	up []string
}

var sqliteMigrations = []migration{
	{1, []string{`
	CREATE TABLE IF NOT EXISTS sync_batches (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		batch_number INTEGER NOT NULL,
		total_batches INTEGER NOT NULL,
		tokens TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		error TEXT
	)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_batches_status ON sync_batches(status, created_at, batch_number)`,
		`
	CREATE TABLE IF NOT EXISTS sync_counters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		synced INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		not_found INTEGER NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMP
	)`,
	}},
	{2, []string{
		`ALTER TABLE sync_batches ADD COLUMN synced INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN errors INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN not_found INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN claimed_at TIMESTAMP`,
		`ALTER TABLE sync_counters ADD COLUMN run_id TEXT`,
		`ALTER TABLE sync_counters ADD COLUMN started_at TIMESTAMP`,
	}},
	{3, []string{`
	CREATE TABLE IF NOT EXISTS schedule_hooks (
		name TEXT PRIMARY KEY,
		interval_seconds INTEGER NOT NULL,
		registered_at TIMESTAMP NOT NULL,
		last_fired_at TIMESTAMP
	)`}},
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, DialectSQLite, sqliteMigrations)
}

func applyMigrations(ctx context.Context, db *sql.DB, d Dialect, migs []migration) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&cur); err != nil {
		return err
	}
	for _, m := range migs {
		if cur >= m.v {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, ddl := range m.up {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.v, err)
			}
		}
		if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO schema_migrations(version) VALUES (?)`), m.v); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		cur = m.v
	}
	return nil
}
