// Package remote talks to the source-of-truth catalog over its JSON API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmrzaf/invsync/internal/domain"
)

const (
	reconcilePath = "/api/v1/inventory/reconcile"
	taxesPath     = "/api/v1/taxes"
	ratesPath     = "/api/v1/currencies/rates"

	// MinTimeout is the floor for reconciliation calls; large batches are slow upstream.
	MinTimeout = 60 * time.Second

	maxErrorBody = 512
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient builds a client for baseURL. Timeouts below MinTimeout are raised
// to it.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	return &Client{
		baseURL: normalizeURL(baseURL),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type reconcileRequest struct {
	TokenList      []string `json:"token_list"`
	IncludePrice   bool     `json:"include_price"`
	IncludeVirtual bool     `json:"include_virtual"`
}

type reconcileItem struct {
	TokenList     []string        `json:"token_list"`
	StockQuantity float64         `json:"stock_quantity"`
	Price         json.RawMessage `json:"price"`
}

// Reconcile asks the remote catalog for stock and price of tokens. Items come
// back in remote order; a malformed price object is reported on the item
// rather than failing the call.
func (c *Client) Reconcile(ctx context.Context, tokens []string) ([]domain.InventoryItem, error) {
	const op = "reconcile"
	payload, err := json.Marshal(reconcileRequest{TokenList: tokens, IncludePrice: true, IncludeVirtual: true})
	if err != nil {
		return nil, fmt.Errorf("remote %s: encode request: %w", op, err)
	}
	var raw []reconcileItem
	if err := c.do(ctx, op, http.MethodPost, reconcilePath, payload, &raw); err != nil {
		return nil, err
	}

	items := make([]domain.InventoryItem, 0, len(raw))
	for _, r := range raw {
		item := domain.InventoryItem{Tokens: r.TokenList, StockQuantity: r.StockQuantity}
		item.Price, item.PriceErr = decodePrice(r.Price)
		items = append(items, item)
	}
	return items, nil
}

func decodePrice(raw json.RawMessage) (*domain.ItemPrice, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var p struct {
		Amount         *float64 `json:"amount"`
		SourceCurrency string   `json:"source_currency_code"`
		TaxID          string   `json:"tax_id"`
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("malformed price: %w", err)
	}
	if p.Amount == nil {
		return nil, fmt.Errorf("malformed price: missing amount")
	}
	if strings.TrimSpace(p.SourceCurrency) == "" {
		return nil, fmt.Errorf("malformed price: missing source_currency_code")
	}
	return &domain.ItemPrice{Amount: *p.Amount, SourceCurrency: p.SourceCurrency, TaxID: p.TaxID}, nil
}

func (c *Client) TaxRates(ctx context.Context) ([]domain.TaxRate, error) {
	var out []domain.TaxRate
	if err := c.do(ctx, "taxes", http.MethodGet, taxesPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CurrencyRates returns rates keyed by ISO code, all relative to the remote
// catalog's reference currency.
func (c *Client) CurrencyRates(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		ISO  string  `json:"iso"`
		Rate float64 `json:"rate"`
	}
	if err := c.do(ctx, "currency rates", http.MethodGet, ratesPath, nil, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[strings.ToUpper(strings.TrimSpace(r.ISO))] = r.Rate
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, dst any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), maxErrorBody)}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

func normalizeURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
