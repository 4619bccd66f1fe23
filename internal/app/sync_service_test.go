package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/infra/repos/queue"
	"github.com/mmrzaf/invsync/internal/infra/scheduler"
)

type memCatalog struct {
	mu       sync.Mutex
	entities []domain.Entity
	stock    map[int64]domain.StockUpdate
	prices   map[int64]float64
}

func newMemCatalog(n int) *memCatalog {
	c := &memCatalog{stock: map[int64]domain.StockUpdate{}, prices: map[int64]float64{}}
	for i := 1; i <= n; i++ {
		c.entities = append(c.entities, domain.Entity{
			ID:   int64(i),
			Kind: domain.EntityKindStandalone,
			Name: fmt.Sprintf("Product %d", i),
			SKU:  fmt.Sprintf("SKU-%d", i),
		})
	}
	return c
}

func (c *memCatalog) Enumerate(context.Context) ([]domain.Entity, error) {
	return append([]domain.Entity(nil), c.entities...), nil
}

func (c *memCatalog) FindBySKU(_ context.Context, sku string) (*domain.Entity, error) {
	for _, e := range c.entities {
		if e.SKU == sku {
			return &e, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) FindByID(_ context.Context, id int64) (*domain.Entity, error) {
	for _, e := range c.entities {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) WriteStock(_ context.Context, e domain.Entity, u domain.StockUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[e.ID] = u
	return nil
}

func (c *memCatalog) WritePrice(_ context.Context, e domain.Entity, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[e.ID] = amount
	return nil
}

type fakeRemote struct {
	fail      error
	panicMsg  string
	taxErr    error
	calls     int
	taxCalls  int
	lastBatch []string
}

func (r *fakeRemote) Reconcile(_ context.Context, tokens []string) ([]domain.InventoryItem, error) {
	r.calls++
	r.lastBatch = tokens
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.fail != nil {
		return nil, r.fail
	}
	items := make([]domain.InventoryItem, 0, len(tokens))
	for _, t := range tokens {
		items = append(items, domain.InventoryItem{
			Tokens:        []string{t},
			StockQuantity: 2,
			Price:         &domain.ItemPrice{Amount: 10, SourceCurrency: "USD"},
		})
	}
	return items, nil
}

func (r *fakeRemote) TaxRates(context.Context) ([]domain.TaxRate, error) {
	r.taxCalls++
	if r.taxErr != nil {
		return nil, r.taxErr
	}
	return []domain.TaxRate{{ID: "G", Family: "IVA", Code: "general", Rate: 16}}, nil
}

func (r *fakeRemote) CurrencyRates(context.Context) (map[string]float64, error) {
	return map[string]float64{"USD": 1}, nil
}

type fixture struct {
	cfg    *config.Config
	repo   *queue.Repository
	reg    *scheduler.Registry
	cat    *memCatalog
	remote *fakeRemote
	svc    *SyncService
}

func newFixture(t *testing.T, entities int) *fixture {
	t.Helper()
	repo, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.EnsureSchema(context.Background()))

	f := &fixture{
		cfg: &config.Config{
			APIBaseURL:      "https://remote.test",
			APIKey:          "key",
			BatchSize:       500,
			DrainInterval:   time.Minute,
			FullRunInterval: 12 * time.Hour,
			RequestTimeout:  time.Minute,
			BaseCurrency:    "USD",
			TargetCurrency:  "USD",
		},
		repo:   repo,
		reg:    scheduler.NewRegistry(repo.DB(), repo.Dialect()),
		cat:    newMemCatalog(entities),
		remote: &fakeRemote{},
	}
	f.svc = NewSyncService(f.cfg, f.cat, f.repo, f.reg, f.remote, nil)
	return f
}

func (f *fixture) counters(t *testing.T) *domain.RunCounters {
	t.Helper()
	c, err := f.repo.Counters(context.Background())
	require.NoError(t, err)
	return c
}

func (f *fixture) drainRegistered(t *testing.T) bool {
	t.Helper()
	ok, err := f.reg.IsRegistered(context.Background(), scheduler.DrainHook)
	require.NoError(t, err)
	return ok
}

func TestRunSync_QueuesLargeCatalogAndDrains(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()

	summary, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunModeQueued, summary.Mode)
	assert.Equal(t, 1200, summary.Tokens)
	assert.Equal(t, 3, summary.TotalBatches)
	require.NotNil(t, summary.FirstBatch)
	assert.Equal(t, domain.BatchStatusCompleted, summary.FirstBatch.Status)
	assert.Equal(t, 500, summary.Synced)

	batches, err := f.repo.ListBatches(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	byNumber := map[int]*domain.Batch{}
	for _, b := range batches {
		assert.Equal(t, 3, b.Total)
		assert.Equal(t, summary.RunID, b.RunID)
		byNumber[b.Number] = b
	}
	assert.Equal(t, domain.BatchStatusCompleted, byNumber[1].Status)
	assert.Equal(t, domain.BatchStatusPending, byNumber[2].Status)
	assert.Equal(t, domain.BatchStatusPending, byNumber[3].Status)
	assert.Len(t, byNumber[3].Tokens, 200)

	c := f.counters(t)
	assert.Equal(t, 500, c.Synced)
	assert.Equal(t, summary.RunID, c.RunID)
	assert.Nil(t, c.LastSyncAt)
	assert.True(t, f.drainRegistered(t))

	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateCompleted, out.State)
	assert.Equal(t, 2, out.Batch.Number)
	assert.Equal(t, 1, out.Remaining)
	assert.Nil(t, f.counters(t).LastSyncAt)

	out, err = f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Batch.Number)
	assert.Equal(t, 0, out.Remaining)

	c = f.counters(t)
	assert.Equal(t, 1200, c.Synced)
	assert.Equal(t, 0, c.Errors)
	assert.Equal(t, 0, c.NotFound)
	require.NotNil(t, c.LastSyncAt)
	assert.Equal(t, 11.6, f.cat.prices[600])
}

func TestDrainNextBatch_IdleUnregisters(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.RegisterRecurring(ctx, scheduler.DrainHook, time.Minute))
	require.NoError(t, f.repo.AddCounters(ctx, 4, 1, 2))
	before := f.counters(t)

	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateIdle, out.State)
	assert.False(t, f.drainRegistered(t))
	assert.Equal(t, before, f.counters(t))
	assert.Zero(t, f.remote.calls)
}

func TestRunSync_SingleBatch(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	summary, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunModeSingle, summary.Mode)
	assert.Equal(t, 6, summary.Synced)
	assert.Nil(t, summary.FirstBatch)

	c := f.counters(t)
	assert.Equal(t, 6, c.Synced)
	assert.NotNil(t, c.LastSyncAt)
	assert.False(t, f.drainRegistered(t))

	batches, err := f.repo.ListBatches(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, domain.StockStatusInStock, f.cat.stock[1].Status)
}

func TestRunSync_NotConfigured(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.repo.AddCounters(ctx, 5, 0, 0))
	f.cfg.APIKey = ""

	_, err := f.svc.RunSync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 5, f.counters(t).Synced)
	assert.Zero(t, f.remote.calls)
	assert.Zero(t, f.remote.taxCalls)

	pending := []*domain.Batch{{RunID: "run-0", Number: 1, Total: 1, Tokens: []string{"SKU-1"}, Status: domain.BatchStatusPending}}
	require.NoError(t, f.repo.InsertBatches(ctx, pending))
	_, err = f.svc.DrainNextBatch(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)

	stored, err := f.repo.GetBatch(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, stored.Status)
	assert.Zero(t, f.remote.calls)
}

func TestDrainNextBatch_IdleUnregistersWithoutCredentials(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.RegisterRecurring(ctx, scheduler.DrainHook, time.Minute))
	f.cfg.APIKey = ""

	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateIdle, out.State)
	assert.False(t, f.drainRegistered(t))
}

func TestRunSync_EmptyCatalog(t *testing.T) {
	f := newFixture(t, 0)
	summary, err := f.svc.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunModeSkipped, summary.Mode)
	assert.Zero(t, summary.TotalBatches)
	assert.Empty(t, f.counters(t).RunID)
}

func TestRunSync_PriceContextUnavailable(t *testing.T) {
	f := newFixture(t, 2)
	f.remote.taxErr = errors.New("taxes endpoint down")

	summary, err := f.svc.RunSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Synced)
	assert.Len(t, f.cat.stock, 2)
	assert.Empty(t, f.cat.prices)
}

func TestRunSync_EvictsStalePending(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	old := []*domain.Batch{
		{RunID: "old-run", Number: 1, Total: 2, Tokens: []string{"X"}, Status: domain.BatchStatusPending},
		{RunID: "old-run", Number: 2, Total: 2, Tokens: []string{"Y"}, Status: domain.BatchStatusPending},
	}
	require.NoError(t, f.repo.InsertBatches(ctx, old))

	summary, err := f.svc.RunSync(ctx)
	require.NoError(t, err)

	batches, err := f.repo.ListBatches(ctx, 100, "")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Equal(t, summary.RunID, b.RunID)
	}
}

func TestDrainNextBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	_, err := f.svc.RunSync(ctx)
	require.NoError(t, err)

	f.remote.fail = errors.New("remote status 502")
	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateFailed, out.State)
	assert.Equal(t, domain.BatchStatusError, out.Batch.Status)
	assert.Equal(t, 1, out.Remaining)

	stored, err := f.repo.GetBatch(ctx, out.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusError, stored.Status)
	assert.Contains(t, stored.Error, "remote status 502")
	assert.Equal(t, 500, f.counters(t).Errors)

	f.remote.fail = nil
	out, err = f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateCompleted, out.State)
	assert.Equal(t, 3, out.Batch.Number)
	c := f.counters(t)
	assert.Equal(t, 700, c.Synced)
	assert.Equal(t, 500, c.Errors)
	assert.NotNil(t, c.LastSyncAt)
}

func TestDrainNextBatch_RecoversPanic(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	_, err := f.svc.RunSync(ctx)
	require.NoError(t, err)

	f.remote.panicMsg = "nil map write"
	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateFailed, out.State)

	stored, err := f.repo.GetBatch(ctx, out.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusError, stored.Status)
	assert.True(t, strings.Contains(stored.Error, "panic: nil map write"), stored.Error)
	assert.Equal(t, 500, f.counters(t).Errors)
}

type lostClaimQueue struct {
	*queue.Repository
}

func (lostClaimQueue) Claim(context.Context, string) (bool, error) { return false, nil }

func TestDrainNextBatch_LostClaim(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	_, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	before := f.counters(t)

	svc := NewSyncService(f.cfg, f.cat, lostClaimQueue{f.repo}, f.reg, f.remote, nil)
	calls := f.remote.calls
	out, err := svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DrainStateSkipped, out.State)
	assert.Equal(t, calls, f.remote.calls)
	assert.Equal(t, before, f.counters(t))
}

func TestDrainNextBatch_ResolvesAgainstCurrentCatalog(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	_, err := f.svc.RunSync(ctx)
	require.NoError(t, err)

	// Entity 300 disappears between run and drain; its two tokens are in batch 2.
	f.cat.entities = append(f.cat.entities[:299], f.cat.entities[300:]...)
	out, err := f.svc.DrainNextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 498, out.Batch.Synced)
	assert.Equal(t, 2, out.Batch.NotFound)
}

func TestOperatorActions(t *testing.T) {
	f := newFixture(t, 600)
	ctx := context.Background()
	_, err := f.svc.RunSync(ctx)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 500, stats.Counters.Synced)

	pending, err := f.svc.ListBatches(ctx, 10, "pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	_, err = f.svc.ListBatches(ctx, 10, "finished")
	assert.Error(t, err)

	got, err := f.svc.GetBatch(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, pending[0].Tokens, got.Tokens)
	_, err = f.svc.GetBatch(ctx, "no-such-batch")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	n, err := f.svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestRegisterFullSyncAppliesFloor(t *testing.T) {
	f := newFixture(t, 0)
	f.cfg.FullRunInterval = time.Minute
	require.NoError(t, f.svc.RegisterFullSync(context.Background()))

	hooks, err := f.reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, scheduler.FullSyncHook, hooks[0].Name)
	assert.Equal(t, config.MinFullRunInterval, hooks[0].Interval)
}

func TestRunSync_FingerprintTracksCatalog(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	second, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first.Fingerprint)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.RunID, second.RunID)

	f.cat.entities = f.cat.entities[:2]
	third, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
}
