// Package app assembles the components from configuration. The daemon and
// the CLI share it so both operate on the same store with the same rules.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"catalog-sync/internal/config"
	"catalog-sync/internal/cycle"
	"catalog-sync/internal/events"
	"catalog-sync/internal/freshness"
	"catalog-sync/internal/metrics"
	"catalog-sync/internal/pipeline"
	"catalog-sync/internal/quota"
	"catalog-sync/internal/service"
	"catalog-sync/internal/source"
	"catalog-sync/internal/storage"
)

// App is a wired service and the resources it holds.
type App struct {
	Service *service.Service
	Metrics *metrics.Metrics
	Broker  *events.Broker
	store   storage.Store
}

// New opens the configured store and wires every component on top of it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("App: opening store", "driver", cfg.Storage.Driver)
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}

	client := source.NewClient(cfg.Source)
	m := metrics.New()
	broker := events.NewBroker()

	manager := cycle.NewManager(store, client, logger)
	tracker := quota.NewTracker(store, cfg.Quota)
	runner := pipeline.NewRunner(pipeline.Options{
		BatchSize:    cfg.Pipeline.BatchSize,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		RetryInitial: cfg.Pipeline.RetryInitial(),
		FetchTimeout: cfg.Source.Timeout(),
		LeaseTTL:     cfg.Pipeline.LeaseTTL(),
	}, store, manager, tracker, client, logger).WithObserver(m)
	checker := freshness.NewChecker(cfg.Freshness, cfg.Pipeline.BatchSize, cfg.Source.Timeout(), client, client, store, logger)

	svc := service.NewService(cfg.Watcher, cfg.Pipeline, service.Deps{
		Cycles:    manager,
		Runner:    runner,
		Quota:     tracker,
		Freshness: checker,
		Broker:    broker,
		Recorder:  m,
		Logger:    logger,
	})
	return &App{Service: svc, Metrics: m, Broker: broker, store: store}, nil
}

// Close releases the store and the broker.
func (a *App) Close() error {
	a.Broker.Close()
	return a.store.Close()
}
