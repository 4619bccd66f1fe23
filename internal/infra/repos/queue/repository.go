// Package queue persists sync batches and run counters. The same queries run
// against SQLite and PostgreSQL; only DDL and placeholders differ.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmrzaf/invsync/internal/domain"
)

// MaxErrorLength caps stored batch error messages.
const MaxErrorLength = 1000

const defaultListLimit = 50

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type Repository struct {
	db      *sql.DB
	dialect Dialect
	migrate func(context.Context, *sql.DB) error
	now     func() time.Time
}

// Open dispatches on driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", driver)
	}
}

// SQLiteTimeLayout is fixed width so stored timestamps sort as text.
const SQLiteTimeLayout = "2006-01-02 15:04:05.000000000"

// Time converts t into the bind value the dialect stores timestamps as.
func (d Dialect) Time(t time.Time) any {
	if d == DialectSQLite {
		return t.UTC().Format(SQLiteTimeLayout)
	}
	return t.UTC()
}

func (r *Repository) DB() *sql.DB      { return r.db }
func (r *Repository) Dialect() Dialect { return r.dialect }

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// EnsureSchema applies pending migrations. Safe to call on every run.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if err := r.migrate(ctx, r.db); err != nil {
		return fmt.Errorf("queue schema: %w", err)
	}
	_, err := r.exec(ctx, `INSERT INTO sync_counters (id, synced, errors, not_found) VALUES (1, 0, 0, 0) ON CONFLICT (id) DO NOTHING`)
	return err
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
}

func (r *Repository) DeletePending(ctx context.Context) (int, error) {
	res, err := r.exec(ctx, `DELETE FROM sync_batches WHERE status = ?`, string(domain.BatchStatusPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertBatches stores the batches of one run in a single transaction.
// Missing ids and creation times are filled in.
func (r *Repository) InsertBatches(ctx context.Context, batches []*domain.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.dialect.Rebind(`
		INSERT INTO sync_batches (
			id, run_id, batch_number, total_batches, tokens, status,
			created_at, synced, errors, not_found
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := r.now().UTC()
	for _, b := range batches {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.Status == "" {
			b.Status = domain.BatchStatusPending
		}
		tokens, err := json.Marshal(b.Tokens)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.RunID, b.Number, b.Total, string(tokens), string(b.Status), r.dialect.Time(b.CreatedAt)); err != nil {
			return fmt.Errorf("insert batch %d/%d: %w", b.Number, b.Total, err)
		}
	}
	return tx.Commit()
}

const batchColumns = `id, run_id, batch_number, total_batches, tokens, status,
	created_at, processed_at, error, synced, errors, not_found`

// NextPending returns the oldest pending batch, or nil when none is left.
// Within a run that is the lowest batch number; a batch requeued from an
// older run drains before the current run's batches.
func (r *Repository) NextPending(ctx context.Context) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
		SELECT `+batchColumns+`
		FROM sync_batches
		WHERE status = ?
		ORDER BY created_at ASC, batch_number ASC
		LIMIT 1`), string(domain.BatchStatusPending))
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *Repository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT `+batchColumns+` FROM sync_batches WHERE id = ?`), id)
	return scanBatch(row)
}

// Claim moves a batch from pending to processing. It reports false when
// another worker got there first.
func (r *Repository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.exec(ctx, `
		UPDATE sync_batches
		SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.BatchStatusProcessing), r.dialect.Time(r.now()), id, string(domain.BatchStatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkStatus records a batch outcome. processed_at is stamped for terminal
// states; res, when given, stores the per-batch counts.
func (r *Repository) MarkStatus(ctx context.Context, id string, status domain.BatchStatus, errMsg string, res *domain.BatchResult) error {
	if !status.Valid() {
		return fmt.Errorf("invalid batch status: %q", status)
	}
	var processedAt any
	if status == domain.BatchStatusCompleted || status == domain.BatchStatusError {
		processedAt = r.dialect.Time(r.now())
	}
	var synced, errCount, notFound any
	if res != nil {
		synced, errCount, notFound = res.Synced, res.Errors, res.NotFound
	}
	out, err := r.exec(ctx, `
		UPDATE sync_batches
		SET status = ?, processed_at = COALESCE(?, processed_at), error = ?,
			synced = COALESCE(?, synced), errors = COALESCE(?, errors), not_found = COALESCE(?, not_found)
		WHERE id = ?`,
		string(status), processedAt, nullIfEmpty(Truncate(errMsg, MaxErrorLength)),
		synced, errCount, notFound, id)
	if err != nil {
		return err
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RequeueStale returns batches stuck in processing since before cutoff to
// pending. It covers workers that died between claim and mark.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.exec(ctx, `
		UPDATE sync_batches
		SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at < ?`,
		string(domain.BatchStatusPending), string(domain.BatchStatusProcessing), r.dialect.Time(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT COUNT(*) FROM sync_batches WHERE status = ?`),
		string(domain.BatchStatusPending)).Scan(&n)
	return n, err
}

// ListBatches returns the newest batches first, optionally filtered by status.
func (r *Repository) ListBatches(ctx context.Context, limit int, status string) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + batchColumns + ` FROM sync_batches`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, batch_number ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResetCounters zeroes the run totals and starts a new run. last_sync_at is
// kept.
func (r *Repository) ResetCounters(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := r.exec(ctx, `
		UPDATE sync_counters
		SET run_id = ?, started_at = ?, synced = 0, errors = 0, not_found = 0
		WHERE id = 1`, runID, r.dialect.Time(startedAt))
	return err
}

func (r *Repository) AddCounters(ctx context.Context, synced, errCount, notFound int) error {
	_, err := r.exec(ctx, `
		UPDATE sync_counters
		SET synced = synced + ?, errors = errors + ?, not_found = not_found + ?
		WHERE id = 1`, synced, errCount, notFound)
	return err
}

func (r *Repository) SetLastSync(ctx context.Context, at time.Time) error {
	_, err := r.exec(ctx, `UPDATE sync_counters SET last_sync_at = ? WHERE id = 1`, r.dialect.Time(at))
	return err
}

func (r *Repository) Counters(ctx context.Context) (*domain.RunCounters, error) {
	var (
		c        domain.RunCounters
		runID    sql.NullString
		started  NullTime
		lastSync NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, synced, errors, not_found, last_sync_at
		FROM sync_counters WHERE id = 1`).Scan(&runID, &started, &c.Synced, &c.Errors, &c.NotFound, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.RunCounters{}, nil
	}
	if err != nil {
		return nil, err
	}
	c.RunID = runID.String
	c.StartedAt = started.Ptr()
	c.LastSyncAt = lastSync.Ptr()
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(s rowScanner) (*domain.Batch, error) {
	var (
		b           domain.Batch
		tokens      string
		status      string
		created     NullTime
		processedAt NullTime
		errStr      sql.NullString
	)
	if err := s.Scan(&b.ID, &b.RunID, &b.Number, &b.Total, &tokens, &status,
		&created, &processedAt, &errStr, &b.Synced, &b.Errors, &b.NotFound); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tokens), &b.Tokens); err != nil {
		return nil, fmt.Errorf("batch %s: decode tokens: %w", b.ID, err)
	}
	b.Status = domain.BatchStatus(status)
	b.CreatedAt = created.Time
	b.ProcessedAt = processedAt.Ptr()
	b.Error = errStr.String
	return &b, nil
}

// NullTime accepts both native timestamps and the text forms SQLite may hand
// back.
type NullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	SQLiteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (n *NullTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = t.UTC(), true
		return nil
	case string:
		return n.parse(t)
	case []byte:
		return n.parse(string(t))
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
}

func (n *NullTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		n.Valid = false
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
