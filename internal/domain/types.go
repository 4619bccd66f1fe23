package domain

import (
	"time"
)

type EntityKind string

const (
	EntityKindStandalone EntityKind = "standalone"
	EntityKindVariant    EntityKind = "variant"
)

// Entity is a sellable catalog entry: a standalone product or a variant of a
// composite product. Virtual entities carry no stock.
type Entity struct {
	ID       int64      `json:"id" yaml:"id"`
	ParentID int64      `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Kind     EntityKind `json:"kind" yaml:"kind"`
	Virtual  bool       `json:"virtual" yaml:"virtual"`
	Name     string     `json:"name" yaml:"name"`
	SKU      string     `json:"sku,omitempty" yaml:"sku,omitempty"`
}

// TokenIndex maps a matching token to the entity that claimed it last.
type TokenIndex map[string]Entity

type StockStatus string

const (
	StockStatusInStock    StockStatus = "instock"
	StockStatusOutOfStock StockStatus = "outofstock"
)

type StockUpdate struct {
	Quantity float64
	Status   StockStatus
}

// NewStockUpdate clamps negative quantities to zero and derives the status.
func NewStockUpdate(qty float64) StockUpdate {
	if qty < 0 {
		qty = 0
	}
	status := StockStatusOutOfStock
	if qty > 0 {
		status = StockStatusInStock
	}
	return StockUpdate{Quantity: qty, Status: status}
}

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusError      BatchStatus = "error"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusError:
		return true
	}
	return false
}

type Batch struct {
	ID          string      `json:"id" yaml:"id"`
	RunID       string      `json:"run_id" yaml:"run_id"`
	Number      int         `json:"batch_number" yaml:"batch_number"`
	Total       int         `json:"total_batches" yaml:"total_batches"`
	Tokens      []string    `json:"tokens" yaml:"tokens"`
	Status      BatchStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty" yaml:"processed_at,omitempty"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
	Synced      int         `json:"synced" yaml:"synced"`
	Errors      int         `json:"errors" yaml:"errors"`
	NotFound    int         `json:"not_found" yaml:"not_found"`
}

type RunCounters struct {
	RunID      string     `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Synced     int        `json:"synced_count" yaml:"synced_count"`
	Errors     int        `json:"error_count" yaml:"error_count"`
	NotFound   int        `json:"not_found_count" yaml:"not_found_count"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
}

// BatchResult is the outcome of reconciling one batch. Err is set when the
// whole batch failed; Errors then equals the batch size.
type BatchResult struct {
	Synced   int
	Errors   int
	NotFound int
	Err      error
}

func (r BatchResult) Failed() bool { return r.Err != nil }

type TaxRate struct {
	ID     string  `json:"id"`
	Family string  `json:"family"`
	Code   string  `json:"code"`
	Rate   float64 `json:"rate"`
}

// PriceContext is the read-only pricing snapshot shared by the batches of a run
// or a drain tick. Available is false when the tables could not be fetched.
type PriceContext struct {
	TaxRates       []TaxRate
	CurrencyRates  map[string]float64
	BaseCurrency   string
	TargetCurrency string
	DefaultTaxID   string
	Available      bool
}

type ItemPrice struct {
	Amount         float64 `json:"amount"`
	SourceCurrency string  `json:"source_currency_code"`
	TaxID          string  `json:"tax_id,omitempty"`
}

type InventoryItem struct {
	Tokens        []string
	StockQuantity float64
	Price         *ItemPrice
	// PriceErr records a price sub-object that could not be decoded.
	PriceErr error
}

type RunMode string

const (
	RunModeSkipped RunMode = "skipped"
	RunModeSingle  RunMode = "single"
	RunModeQueued  RunMode = "queued"
)

type RunSummary struct {
	RunID        string  `json:"run_id,omitempty"`
	Fingerprint  string  `json:"fingerprint,omitempty"`
	Mode         RunMode `json:"mode"`
	Tokens       int     `json:"tokens"`
	TotalBatches int     `json:"total_batches"`
	Collisions   int     `json:"collisions"`
	FirstBatch   *Batch  `json:"first_batch,omitempty"`
	Synced       int     `json:"synced"`
	Errors       int     `json:"errors"`
	NotFound     int     `json:"not_found"`
}

type DrainState string

const (
	DrainStateIdle      DrainState = "idle"
	DrainStateSkipped   DrainState = "skipped"
	DrainStateCompleted DrainState = "completed"
	DrainStateFailed    DrainState = "error"
)

type DrainOutcome struct {
	State     DrainState `json:"state"`
	Batch     *Batch     `json:"batch,omitempty"`
	Remaining int        `json:"remaining"`
}

type SyncStats struct {
	Counters *RunCounters `json:"counters"`
	Pending  int          `json:"pending"`
}
