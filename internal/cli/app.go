package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/ingestkit/internal/core/config"
	"github.com/vietddude/ingestkit/internal/core/guard"
	"github.com/vietddude/ingestkit/internal/etl"
	"github.com/vietddude/ingestkit/internal/infra/httpclient"
	redisclient "github.com/vietddude/ingestkit/internal/infra/redis"
	"github.com/vietddude/ingestkit/internal/infra/storage"
	"github.com/vietddude/ingestkit/internal/infra/storage/memory"
	"github.com/vietddude/ingestkit/internal/infra/storage/postgres"
	"github.com/vietddude/ingestkit/internal/metrics"
)

// app holds the wired components shared by subcommands.
type app struct {
	store   storage.LoadLogStore
	clients *httpclient.Registry
	runner  *etl.Runner
	health  []metrics.HealthCheck
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	a := &app{}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store

	a.clients = httpclient.NewRegistry(cfg.HTTP.Defaults, cfg.HTTP.Integrations,
		httpclient.WithLogger(slog.Default()))
	a.closers = append(a.closers, a.clients.Close)

	g := guard.New(store, guard.WithOwner(cfg.Owner), guard.WithLogger(slog.Default()))
	a.runner = etl.NewRunner(g, a.clients, slog.Default())
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.AppConfig) (storage.LoadLogStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.health = append(a.health, metrics.HealthCheck{Name: "postgres", Check: db.Health})
		db.StartMetricsCollector(ctx)
		return postgres.NewLoadLogRepo(db), nil

	case config.StoreRedis:
		rc, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		a.health = append(a.health, metrics.HealthCheck{Name: "redis", Check: rc.Health})
		return redisclient.NewLoadLogStore(rc), nil

	case config.StoreMemory:
		slog.Warn("Using in-memory load log; process-once holds only within this process")
		return memory.NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// Close releases everything opened by newApp, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
