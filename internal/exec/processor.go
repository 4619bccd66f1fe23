// Package exec reconciles one batch of tokens against the remote catalog.
package exec

import (
	"context"

	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/logging"
	"github.com/mmrzaf/invsync/internal/pricing"
)

type Reconciler interface {
	Reconcile(ctx context.Context, tokens []string) ([]domain.InventoryItem, error)
}

type CatalogWriter interface {
	WriteStock(ctx context.Context, e domain.Entity, u domain.StockUpdate) error
	WritePrice(ctx context.Context, e domain.Entity, amount float64) error
}

type Processor struct {
	remote  Reconciler
	catalog CatalogWriter
	logger  *logging.Logger
}

func NewProcessor(remote Reconciler, catalog CatalogWriter, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Processor{remote: remote, catalog: catalog, logger: logger.WithComponent("processor")}
}

// ProcessBatch makes one remote call for tokens and writes what comes back
// into the catalog. A failed call fails the whole batch; per-item problems are
// counted and the loop moves on. Queue state and run counters are left to the
// caller.
func (p *Processor) ProcessBatch(ctx context.Context, tokens []string, idx domain.TokenIndex, pc domain.PriceContext) domain.BatchResult {
	items, err := p.remote.Reconcile(ctx, tokens)
	if err != nil {
		p.logger.Errorw("batch.remote_failed", map[string]any{"tokens": len(tokens), "error": err})
		return domain.BatchResult{Errors: len(tokens), Err: err}
	}

	var res domain.BatchResult
	notFound := make(map[string]struct{})
	returned := make(map[string]struct{}, len(tokens))

	for _, item := range items {
		for _, t := range item.Tokens {
			returned[t] = struct{}{}
		}

		token, e, ok := firstIndexed(item.Tokens, idx)
		if !ok {
			for _, t := range item.Tokens {
				notFound[t] = struct{}{}
			}
			p.logger.Debugw("item.not_indexed", map[string]any{"tokens": item.Tokens})
			continue
		}

		if err := p.apply(ctx, token, e, item, pc); err != nil {
			res.Errors++
			p.logger.Errorw("item.write_failed", map[string]any{"token": token, "entity_id": e.ID, "error": err})
			continue
		}
		res.Synced++
	}

	for _, t := range tokens {
		if _, ok := returned[t]; ok {
			continue
		}
		notFound[t] = struct{}{}
	}
	res.NotFound = len(notFound)

	p.logger.Infow("batch.processed", map[string]any{
		"tokens":    len(tokens),
		"items":     len(items),
		"synced":    res.Synced,
		"errors":    res.Errors,
		"not_found": res.NotFound,
	})
	return res
}

func firstIndexed(tokens []string, idx domain.TokenIndex) (string, domain.Entity, bool) {
	for _, t := range tokens {
		if e, ok := idx[t]; ok {
			return t, e, true
		}
	}
	return "", domain.Entity{}, false
}

func (p *Processor) apply(ctx context.Context, token string, e domain.Entity, item domain.InventoryItem, pc domain.PriceContext) error {
	if !e.Virtual {
		if err := p.catalog.WriteStock(ctx, e, domain.NewStockUpdate(item.StockQuantity)); err != nil {
			return err
		}
	}

	if item.PriceErr != nil {
		p.logger.Warnw("item.price_malformed", map[string]any{"token": token, "error": item.PriceErr})
		return nil
	}
	if item.Price == nil {
		return nil
	}
	if !pc.Available {
		p.logger.Debugw("item.price_skipped", map[string]any{"token": token, "reason": "price context unavailable"})
		return nil
	}

	rate := pricing.ResolveTaxRate(pc.TaxRates, item.Price.TaxID, pc.DefaultTaxID)
	final, ok := pricing.ComputeFinalPrice(item.Price.Amount, item.Price.SourceCurrency, rate, pc.CurrencyRates, pc.BaseCurrency, pc.TargetCurrency)
	if !ok {
		p.logger.Warnw("item.price_unresolved", map[string]any{
			"token":    token,
			"currency": item.Price.SourceCurrency,
			"base":     pc.BaseCurrency,
			"target":   pc.TargetCurrency,
		})
		return nil
	}
	if final < pricing.MinimumPrice {
		p.logger.Warnw("item.price_below_minimum", map[string]any{"token": token, "price": final})
		return nil
	}
	return p.catalog.WritePrice(ctx, e, final)
}
