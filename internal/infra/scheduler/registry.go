// Package scheduler keeps recurring hook registrations in the queue database
// and fires them from an in-process runner.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmrzaf/invsync/internal/infra/repos/queue"
)

const (
	DrainHook    = "invsync.drain"
	FullSyncHook = "invsync.full_sync"
)

type Hook struct {
	Name         string
	Interval     time.Duration
	RegisteredAt time.Time
	LastFiredAt  *time.Time
}

// NextDue is one interval after the last firing, or after registration when
// the hook never fired.
func (h Hook) NextDue() time.Time {
	from := h.RegisteredAt
	if h.LastFiredAt != nil {
		from = *h.LastFiredAt
	}
	return from.Add(h.Interval)
}

// Registry stores hooks in the schedule_hooks table created by the queue
// migrations.
type Registry struct {
	db      *sql.DB
	dialect queue.Dialect
	now     func() time.Time
}

func NewRegistry(db *sql.DB, dialect queue.Dialect) *Registry {
	return &Registry{db: db, dialect: dialect, now: time.Now}
}

// RegisterRecurring adds hook or updates its interval. The firing history of
// an existing hook is kept.
func (r *Registry) RegisterRecurring(ctx context.Context, hook string, interval time.Duration) error {
	hook = strings.TrimSpace(hook)
	if hook == "" {
		return errors.New("hook name is required")
	}
	secs := int64(interval / time.Second)
	if secs <= 0 {
		return fmt.Errorf("hook %s: interval must be at least 1s, got %s", hook, interval)
	}
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO schedule_hooks (name, interval_seconds, registered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET interval_seconds = excluded.interval_seconds`),
		hook, secs, r.dialect.Time(r.now()))
	return err
}

func (r *Registry) IsRegistered(ctx context.Context, hook string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(`SELECT COUNT(*) FROM schedule_hooks WHERE name = ?`), hook).Scan(&n)
	return n > 0, err
}

func (r *Registry) Unregister(ctx context.Context, hook string) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM schedule_hooks WHERE name = ?`), hook)
	return err
}

func (r *Registry) List(ctx context.Context) ([]Hook, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, interval_seconds, registered_at, last_fired_at
		FROM schedule_hooks
		ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hook
	for rows.Next() {
		var (
			h          Hook
			secs       int64
			registered queue.NullTime
			fired      queue.NullTime
		)
		if err := rows.Scan(&h.Name, &secs, &registered, &fired); err != nil {
			return nil, err
		}
		h.Interval = time.Duration(secs) * time.Second
		h.RegisteredAt = registered.Time
		h.LastFiredAt = fired.Ptr()
		out = append(out, h)
	}
	return out, rows.Err()
}

// Due returns hooks whose next firing is at or before now.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]Hook, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, h := range all {
		if !h.NextDue().After(now) {
			due = append(due, h)
		}
	}
	return due, nil
}

func (r *Registry) MarkFired(ctx context.Context, hook string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`UPDATE schedule_hooks SET last_fired_at = ? WHERE name = ?`),
		r.dialect.Time(at), hook)
	return err
}
