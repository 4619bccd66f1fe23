package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/infra/catalog"
	"github.com/mmrzaf/invsync/internal/infra/remote"
	"github.com/mmrzaf/invsync/internal/infra/repos/queue"
	"github.com/mmrzaf/invsync/internal/infra/scheduler"
	"github.com/mmrzaf/invsync/internal/logging"
	"github.com/mmrzaf/invsync/internal/secrets"
	"github.com/mmrzaf/invsync/internal/validation"
)

// Runtime holds the stores and clients one process works with.
type Runtime struct {
	Config   *config.Config
	Queue    *queue.Repository
	Registry *scheduler.Registry
	Catalog  *catalog.SQLiteCatalog
	Remote   *remote.Client
	Sync     *SyncService
}

// Bootstrap validates cfg, resolves the API key from the secret store when
// one is configured, and opens the queue and catalog databases. Missing
// credentials are not an error here; sync operations report them.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Runtime, error) {
	if err := validation.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.APIKey == "" && cfg.APIKeySecretID != "" {
		resolver, err := secrets.NewResolver(ctx, cfg.AWSRegion, logger)
		if err != nil {
			return nil, err
		}
		if err := secrets.ResolveAPIKey(ctx, cfg, resolver); err != nil {
			return nil, err
		}
	}

	repo, err := queue.Open(cfg.QueueDriver, cfg.QueueDSN)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	cat, err := catalog.OpenSQLite(ctx, cfg.CatalogDBPath)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Queue:    repo,
		Registry: scheduler.NewRegistry(repo.DB(), repo.Dialect()),
		Catalog:  cat,
		Remote:   remote.NewClient(cfg.APIBaseURL, cfg.APIKey, cfg.RequestTimeout),
	}
	rt.Sync = NewSyncService(cfg, cat, repo, rt.Registry, rt.Remote, logger)
	return rt, nil
}

func (rt *Runtime) Close() error {
	return errors.Join(rt.Catalog.Close(), rt.Queue.Close())
}
