package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

func OpenPostgres(dsn string) (*Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("queue db dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, dialect: DialectPostgres, migrate: migratePostgres, now: time.Now}, nil
}

var postgresMigrations = []migration{
	{1, []string{`
	CREATE TABLE IF NOT EXISTS sync_batches (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		batch_number INTEGER NOT NULL,
		total_batches INTEGER NOT NULL,
		tokens TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		error TEXT
	)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_batches_status ON sync_batches(status, created_at, batch_number)`,
		`
	CREATE TABLE IF NOT EXISTS sync_counters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		synced BIGINT NOT NULL DEFAULT 0,
		errors BIGINT NOT NULL DEFAULT 0,
		not_found BIGINT NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMPTZ
	)`,
	}},
	{2, []string{
		`ALTER TABLE sync_batches ADD COLUMN IF NOT EXISTS synced INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN IF NOT EXISTS errors INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN IF NOT EXISTS not_found INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_batches ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ`,
		`ALTER TABLE sync_counters ADD COLUMN IF NOT EXISTS run_id TEXT`,
		`ALTER TABLE sync_counters ADD COLUMN IF NOT EXISTS started_at TIMESTAMPTZ`,
	}},
	{3, []string{`
	CREATE TABLE IF NOT EXISTS schedule_hooks (
		name TEXT PRIMARY KEY,
		interval_seconds BIGINT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_fired_at TIMESTAMPTZ
	)`}},
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, DialectPostgres, postgresMigrations)
}
