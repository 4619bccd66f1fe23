package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/exec"
	"github.com/mmrzaf/invsync/internal/hashing"
	"github.com/mmrzaf/invsync/internal/index"
	"github.com/mmrzaf/invsync/internal/infra/scheduler"
	"github.com/mmrzaf/invsync/internal/logging"
	"github.com/mmrzaf/invsync/internal/pricing"
	"github.com/mmrzaf/invsync/internal/validation"
)

var (
	ErrNotConfigured = errors.New("sync is not configured")
	ErrBatchNotFound = errors.New("batch not found")
)

// minStaleClaim is the shortest time a batch may sit in processing before a
// drain tick hands it back to the queue.
const minStaleClaim = 10 * time.Minute

type Catalog interface {
	Enumerate(ctx context.Context) ([]domain.Entity, error)
	FindBySKU(ctx context.Context, sku string) (*domain.Entity, error)
	FindByID(ctx context.Context, id int64) (*domain.Entity, error)
	WriteStock(ctx context.Context, e domain.Entity, u domain.StockUpdate) error
	WritePrice(ctx context.Context, e domain.Entity, amount float64) error
}

type QueueStore interface {
	EnsureSchema(ctx context.Context) error
	DeletePending(ctx context.Context) (int, error)
	InsertBatches(ctx context.Context, batches []*domain.Batch) error
	NextPending(ctx context.Context) (*domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkStatus(ctx context.Context, id string, status domain.BatchStatus, errMsg string, res *domain.BatchResult) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
	ListBatches(ctx context.Context, limit int, status string) ([]*domain.Batch, error)
	ResetCounters(ctx context.Context, runID string, startedAt time.Time) error
	AddCounters(ctx context.Context, synced, errCount, notFound int) error
	SetLastSync(ctx context.Context, at time.Time) error
	Counters(ctx context.Context) (*domain.RunCounters, error)
}

type Scheduler interface {
	RegisterRecurring(ctx context.Context, hook string, interval time.Duration) error
	IsRegistered(ctx context.Context, hook string) (bool, error)
	Unregister(ctx context.Context, hook string) error
}

type Remote interface {
	exec.Reconciler
	TaxRates(ctx context.Context) ([]domain.TaxRate, error)
	CurrencyRates(ctx context.Context) (map[string]float64, error)
}

// SyncService runs full syncs and drains queued batches. Calls on one
// service are serialized.
type SyncService struct {
	cfg       *config.Config
	catalog   Catalog
	queue     QueueStore
	scheduler Scheduler
	remote    Remote
	processor *exec.Processor
	logger    *logging.Logger
	now       func() time.Time

	mu sync.Mutex
}

func NewSyncService(cfg *config.Config, catalog Catalog, queue QueueStore, sched Scheduler, remote Remote, logger *logging.Logger) *SyncService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &SyncService{
		cfg:       cfg,
		catalog:   catalog,
		queue:     queue,
		scheduler: sched,
		remote:    remote,
		processor: exec.NewProcessor(remote, catalog, logger),
		logger:    logger.WithComponent("sync"),
		now:       time.Now,
	}
}

// RunSync reconciles the whole catalog. One batch is processed inline; larger
// catalogs are queued, the first batch is processed inline and the rest are
// left to the drain hook.
func (s *SyncService) RunSync(ctx context.Context) (*domain.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare queue: %w", err)
	}
	if err := validation.ValidateCredentials(s.cfg); err != nil {
		s.logger.Errorw("sync.not_configured", map[string]any{"error": err})
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	pc := s.priceContext(ctx)

	entities, err := s.catalog.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate catalog: %w", err)
	}
	built := index.Build(entities)
	if n := len(built.Collisions); n > 0 {
		sample := built.Collisions[:min(n, 5)]
		s.logger.Warnw("sync.token_collisions", map[string]any{"count": n, "sample": sample})
	}

	chunks := index.Chunk(built.Tokens, s.cfg.BatchSize)
	summary := &domain.RunSummary{
		Tokens:       len(built.Tokens),
		TotalBatches: len(chunks),
		Collisions:   len(built.Collisions),
	}
	summary.Fingerprint, err = hashing.HashRunConfig(built.Tokens, hashing.RunSettings{
		BatchSize:      s.cfg.BatchSize,
		BaseCurrency:   pc.BaseCurrency,
		TargetCurrency: pc.TargetCurrency,
		DefaultTaxID:   pc.DefaultTaxID,
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint run: %w", err)
	}
	if len(chunks) == 0 {
		s.logger.Warnw("sync.nothing_to_sync", map[string]any{"entities": len(entities)})
		summary.Mode = domain.RunModeSkipped
		return summary, nil
	}

	runID := uuid.NewString()
	startedAt := s.now().UTC()
	if err := s.queue.ResetCounters(ctx, runID, startedAt); err != nil {
		return nil, fmt.Errorf("reset counters: %w", err)
	}
	summary.RunID = runID
	s.logger.Infow("sync.run.started", map[string]any{
		"run_id":        runID,
		"fingerprint":   summary.Fingerprint,
		"entities":      len(entities),
		"tokens":        len(built.Tokens),
		"total_batches": len(chunks),
		"prices":        pc.Available,
	})

	if len(chunks) == 1 {
		res := s.process(ctx, chunks[0], func() (domain.TokenIndex, error) { return built.Index, nil }, &pc)
		if err := s.queue.AddCounters(ctx, res.Synced, res.Errors, res.NotFound); err != nil {
			return nil, fmt.Errorf("add counters: %w", err)
		}
		if err := s.queue.SetLastSync(ctx, s.now()); err != nil {
			return nil, fmt.Errorf("set last sync: %w", err)
		}
		summary.Mode = domain.RunModeSingle
		summary.Synced, summary.Errors, summary.NotFound = res.Synced, res.Errors, res.NotFound
		s.logger.Infow("sync.run.completed", map[string]any{"run_id": runID, "synced": res.Synced, "errors": res.Errors, "not_found": res.NotFound})
		return summary, nil
	}

	evicted, err := s.queue.DeletePending(ctx)
	if err != nil {
		return nil, fmt.Errorf("evict stale batches: %w", err)
	}
	if evicted > 0 {
		s.logger.Warnw("sync.stale_batches_evicted", map[string]any{"count": evicted})
	}

	batches := make([]*domain.Batch, len(chunks))
	for i, tokens := range chunks {
		batches[i] = &domain.Batch{
			ID:        uuid.NewString(),
			RunID:     runID,
			Number:    i + 1,
			Total:     len(chunks),
			Tokens:    tokens,
			Status:    domain.BatchStatusPending,
			CreatedAt: startedAt,
		}
	}
	if err := s.queue.InsertBatches(ctx, batches); err != nil {
		return nil, fmt.Errorf("queue batches: %w", err)
	}

	first := batches[0]
	claimed, err := s.queue.Claim(ctx, first.ID)
	if err != nil {
		return nil, fmt.Errorf("claim batch 1: %w", err)
	}
	if claimed {
		res := s.process(ctx, first.Tokens, func() (domain.TokenIndex, error) { return built.Index, nil }, &pc)
		if err := s.finish(ctx, first, res); err != nil {
			return nil, err
		}
		summary.Synced, summary.Errors, summary.NotFound = res.Synced, res.Errors, res.NotFound
	}
	summary.Mode = domain.RunModeQueued
	summary.FirstBatch = first

	if err := s.ensureDrainHook(ctx); err != nil {
		return summary, err
	}
	s.logger.Infow("sync.run.queued", map[string]any{
		"run_id":        runID,
		"total_batches": len(chunks),
		"synced":        summary.Synced,
		"errors":        summary.Errors,
		"not_found":     summary.NotFound,
	})
	return summary, nil
}

// RunScheduledSync is the body of the recurring full-sync hook.
func (s *SyncService) RunScheduledSync(ctx context.Context) error {
	_, err := s.RunSync(ctx)
	return err
}

// DrainNextBatch processes the oldest pending batch. Batch failures are
// recorded on the batch and in the counters, not returned. An empty queue
// unregisters the drain hook.
func (s *SyncService) DrainNextBatch(ctx context.Context) (*domain.DrainOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare queue: %w", err)
	}
	if n, err := s.queue.RequeueStale(ctx, s.now().Add(-s.staleAfter())); err != nil {
		s.logger.Warnw("drain.requeue_failed", map[string]any{"error": err})
	} else if n > 0 {
		s.logger.Warnw("drain.stale_requeued", map[string]any{"count": n})
	}

	b, err := s.queue.NextPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("next pending batch: %w", err)
	}
	if b == nil {
		if err := s.scheduler.Unregister(ctx, scheduler.DrainHook); err != nil {
			return nil, fmt.Errorf("unregister drain hook: %w", err)
		}
		s.logger.Infow("drain.idle", nil)
		return &domain.DrainOutcome{State: domain.DrainStateIdle}, nil
	}
	// Checked after the idle branch so an empty queue still unregisters the
	// hook without credentials. No batch is claimed when this fails.
	if err := validation.ValidateCredentials(s.cfg); err != nil {
		s.logger.Errorw("drain.not_configured", map[string]any{"error": err})
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	claimed, err := s.queue.Claim(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("claim batch %s: %w", b.ID, err)
	}
	if !claimed {
		s.logger.Infow("drain.claim_lost", map[string]any{"batch_id": b.ID})
		return &domain.DrainOutcome{State: domain.DrainStateSkipped, Batch: b}, nil
	}
	b.Status = domain.BatchStatusProcessing

	res := s.process(ctx, b.Tokens, func() (domain.TokenIndex, error) {
		return index.Resolve(ctx, s.catalog, b.Tokens)
	}, nil)
	if err := s.finish(ctx, b, res); err != nil {
		return nil, err
	}
	return s.drainOutcome(ctx, b, res)
}

func (s *SyncService) drainOutcome(ctx context.Context, b *domain.Batch, res domain.BatchResult) (*domain.DrainOutcome, error) {
	remaining, err := s.queue.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if remaining == 0 {
		if err := s.queue.SetLastSync(ctx, s.now()); err != nil {
			return nil, fmt.Errorf("set last sync: %w", err)
		}
	}
	state := domain.DrainStateCompleted
	if res.Failed() {
		state = domain.DrainStateFailed
	}
	s.logger.Infow("drain.batch_done", map[string]any{
		"batch_id":     b.ID,
		"batch_number": b.Number,
		"total":        b.Total,
		"state":        state,
		"remaining":    remaining,
	})
	return &domain.DrainOutcome{State: state, Batch: b, Remaining: remaining}, nil
}

// process runs one batch and turns panics and index failures into a failed
// result covering every token. pc nil means fetch a fresh price context.
func (s *SyncService) process(ctx context.Context, tokens []string, idx func() (domain.TokenIndex, error), pc *domain.PriceContext) (res domain.BatchResult) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorw("batch.panic", map[string]any{"panic": fmt.Sprint(rec)})
			res = domain.BatchResult{Errors: len(tokens), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	tokenIndex, err := idx()
	if err != nil {
		return domain.BatchResult{Errors: len(tokens), Err: err}
	}
	if pc == nil {
		fresh := s.priceContext(ctx)
		pc = &fresh
	}
	return s.processor.ProcessBatch(ctx, tokens, tokenIndex, *pc)
}

func (s *SyncService) finish(ctx context.Context, b *domain.Batch, res domain.BatchResult) error {
	status := domain.BatchStatusCompleted
	msg := ""
	if res.Failed() {
		status = domain.BatchStatusError
		msg = res.Err.Error()
	}
	if err := s.queue.MarkStatus(ctx, b.ID, status, msg, &res); err != nil {
		return fmt.Errorf("mark batch %d/%d: %w", b.Number, b.Total, err)
	}
	if err := s.queue.AddCounters(ctx, res.Synced, res.Errors, res.NotFound); err != nil {
		return fmt.Errorf("add counters: %w", err)
	}
	now := s.now().UTC()
	b.Status, b.Error, b.ProcessedAt = status, msg, &now
	b.Synced, b.Errors, b.NotFound = res.Synced, res.Errors, res.NotFound
	return nil
}

func (s *SyncService) ensureDrainHook(ctx context.Context) error {
	ok, err := s.scheduler.IsRegistered(ctx, scheduler.DrainHook)
	if err != nil {
		return fmt.Errorf("check drain hook: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.scheduler.RegisterRecurring(ctx, scheduler.DrainHook, s.cfg.DrainInterval); err != nil {
		return fmt.Errorf("register drain hook: %w", err)
	}
	s.logger.Infow("drain.hook_registered", map[string]any{"interval": s.cfg.DrainInterval.String()})
	return nil
}

// RegisterFullSync schedules the recurring full run. Intervals below the
// minimum are raised to it.
func (s *SyncService) RegisterFullSync(ctx context.Context) error {
	interval := max(s.cfg.FullRunInterval, config.MinFullRunInterval)
	if err := s.scheduler.RegisterRecurring(ctx, scheduler.FullSyncHook, interval); err != nil {
		return fmt.Errorf("register full sync hook: %w", err)
	}
	return nil
}

// priceContext fetches tax and currency tables. Failures leave Available
// false so stock still syncs without prices.
func (s *SyncService) priceContext(ctx context.Context) domain.PriceContext {
	pc := domain.PriceContext{
		BaseCurrency:   pricing.NormalizeCurrency(s.cfg.BaseCurrency),
		TargetCurrency: pricing.NormalizeCurrency(s.cfg.TargetCurrency),
		DefaultTaxID:   s.cfg.DefaultTaxID,
	}
	taxes, err := s.remote.TaxRates(ctx)
	if err != nil {
		s.logger.Warnw("sync.price_context_unavailable", map[string]any{"table": "taxes", "error": err})
		return pc
	}
	rates, err := s.remote.CurrencyRates(ctx)
	if err != nil {
		s.logger.Warnw("sync.price_context_unavailable", map[string]any{"table": "currency_rates", "error": err})
		return pc
	}
	pc.TaxRates = taxes
	pc.CurrencyRates = pricing.NormalizeRates(rates)
	pc.Available = true
	return pc
}

func (s *SyncService) staleAfter() time.Duration {
	return max(minStaleClaim, 2*s.cfg.RequestTimeout)
}

// ClearQueue drops every pending batch.
func (s *SyncService) ClearQueue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.EnsureSchema(ctx); err != nil {
		return 0, fmt.Errorf("prepare queue: %w", err)
	}
	n, err := s.queue.DeletePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	s.logger.Infow("queue.cleared", map[string]any{"count": n})
	return n, nil
}

func (s *SyncService) Stats(ctx context.Context) (*domain.SyncStats, error) {
	if err := s.queue.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare queue: %w", err)
	}
	counters, err := s.queue.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	pending, err := s.queue.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	return &domain.SyncStats{Counters: counters, Pending: pending}, nil
}

func (s *SyncService) ListBatches(ctx context.Context, limit int, status string) ([]*domain.Batch, error) {
	if err := validation.ValidateListRequest(limit, status); err != nil {
		return nil, err
	}
	if err := s.queue.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare queue: %w", err)
	}
	return s.queue.ListBatches(ctx, limit, status)
}

func (s *SyncService) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	if err := s.queue.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare queue: %w", err)
	}
	b, err := s.queue.GetBatch(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, err
}
