package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmrzaf/invsync/internal/logging"
)

const DefaultPollInterval = 5 * time.Second

type HandlerFunc func(ctx context.Context) error

// Runner polls the registry and invokes due hooks one at a time. Handler
// errors and panics are logged and never stop the loop.
type Runner struct {
	registry *Registry
	logger   *logging.Logger
	poll     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func NewRunner(registry *Registry, logger *logging.Logger, poll time.Duration) *Runner {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		registry: registry,
		logger:   logger.WithComponent("scheduler"),
		poll:     poll,
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle binds fn to hook. Registration in the database is separate: a
// handler only fires while its hook is registered.
func (r *Runner) Handle(hook string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hook] = fn
}

func (r *Runner) handler(hook string) (HandlerFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.handlers[hook]
	return fn, ok
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Infow("scheduler.started", map[string]any{"poll_interval": r.poll.String()})
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("scheduler.stopped", nil)
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick fires every due hook once and returns how many handlers ran.
func (r *Runner) Tick(ctx context.Context) int {
	now := r.now()
	due, err := r.registry.Due(ctx, now)
	if err != nil {
		r.logger.Errorw("scheduler.due_failed", map[string]any{"error": err})
		return 0
	}
	fired := 0
	for _, h := range due {
		if ctx.Err() != nil {
			return fired
		}
		fn, ok := r.handler(h.Name)
		if !ok {
			r.logger.Debugw("scheduler.no_handler", map[string]any{"hook": h.Name})
			continue
		}
		if err := r.registry.MarkFired(ctx, h.Name, now); err != nil {
			r.logger.Errorw("scheduler.mark_failed", map[string]any{"hook": h.Name, "error": err})
			continue
		}
		fired++
		start := time.Now()
		if err := invoke(ctx, fn); err != nil {
			r.logger.Errorw("scheduler.hook_failed", map[string]any{"hook": h.Name, "error": err})
			continue
		}
		r.logger.Debugw("scheduler.hook_done", map[string]any{"hook": h.Name, "duration_ms": time.Since(start).Milliseconds()})
	}
	return fired
}

func invoke(ctx context.Context, fn HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}
