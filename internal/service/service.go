// Package service is the orchestrator the delivery layers talk to. It owns
// the trigger path (lease, cycle selection, pipeline run) and the daemon's
// periodic watch loop.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"catalog-sync/internal/config"
	"catalog-sync/internal/cycle"
	"catalog-sync/internal/domain"
	"catalog-sync/internal/events"
	"catalog-sync/internal/freshness"
	"catalog-sync/internal/pipeline"
	"catalog-sync/internal/quota"
)

// FreshnessRecorder is told about every freshness verdict.
type FreshnessRecorder interface {
	FreshnessChecked(s domain.FreshnessSample)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Cycles    *cycle.Manager
	Runner    *pipeline.Runner
	Quota     *quota.Tracker
	Freshness *freshness.Checker
	Broker    *events.Broker
	Recorder  FreshnessRecorder
	Logger    *slog.Logger
}

// Service is the central orchestrator of the daemon's logic.
type Service struct {
	cfg           config.WatcherConfig
	maxConcurrent int
	deps          Deps
	logger        *slog.Logger
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewService creates the core application service.
func NewService(cfg config.WatcherConfig, pcfg config.PipelineConfig, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Broker == nil {
		deps.Broker = events.NewBroker()
	}
	return &Service{
		cfg:           cfg,
		maxConcurrent: max(pcfg.MaxConcurrentDatasets, 1),
		deps:          deps,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Status returns the dataset's current cycle snapshot. Cycle is nil when the
// dataset has never been updated.
func (s *Service) Status(ctx context.Context, datasetID string) (domain.CycleStatus, error) {
	current, err := s.deps.Cycles.Current(ctx, datasetID)
	if err != nil {
		return domain.CycleStatus{}, err
	}
	status := domain.CycleStatus{DatasetID: datasetID, Cycle: current}
	if current != nil {
		status.State = current.State()
	}
	return status, nil
}

// History lists every cycle of the dataset, newest first.
func (s *Service) History(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error) {
	return s.deps.Cycles.History(ctx, datasetID)
}

// TriggerUpdate claims the dataset and runs its cycle. With force, the
// current cycle is superseded by a fresh one first; otherwise the current
// incomplete cycle is resumed, or a new one started. It fails fast with
// domain.ErrConcurrentRun when another run holds the dataset.
func (s *Service) TriggerUpdate(ctx context.Context, datasetID string, force bool) (domain.RunResult, error) {
	claim, err := s.deps.Runner.Claim(ctx, datasetID)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentRun) {
			return domain.RunResult{}, err
		}
		return domain.RunResult{}, &domain.PersistenceError{Op: "acquire lease", Err: err}
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Service: failed to release lease", "dataset", datasetID, "error", err)
		}
	}()

	var (
		c       *domain.UpdateCycle
		created bool
	)
	if force {
		c, err = s.deps.Cycles.ForceNew(ctx, datasetID)
		created = err == nil
	} else {
		c, created, err = s.deps.Cycles.ResumeOrCreate(ctx, datasetID)
	}
	if err != nil {
		return domain.RunResult{DatasetID: datasetID}, err
	}
	if created {
		s.deps.Broker.Publish(events.TopicCycleCreated, c)
	}

	result, err := s.deps.Runner.RunCycle(ctx, claim, c)
	if result.StoppedReason == domain.StopComplete {
		s.deps.Broker.Publish(events.TopicCycleCompleted, c)
	}
	s.deps.Broker.Publish(events.TopicRunFinished, result)
	return result, err
}

// TriggerAll runs TriggerUpdate for every dataset, at most
// pipeline.max_concurrent_datasets at a time. Results follow the order of
// datasetIDs; failures are aggregated.
func (s *Service) TriggerAll(ctx context.Context, datasetIDs []string, force bool) ([]domain.RunResult, error) {
	results := make([]domain.RunResult, len(datasetIDs))
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)
	for i, id := range datasetIDs {
		g.Go(func() error {
			res, err := s.TriggerUpdate(ctx, id, force)
			if res.DatasetID == "" {
				res.DatasetID = id
			}
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return results, errs.ErrorOrNil()
}

// CheckFreshness samples the given datasets, or the watched datasets when
// none are given. It never mutates cycles, records or the ledger.
func (s *Service) CheckFreshness(ctx context.Context, datasetIDs []string) []domain.FreshnessSample {
	if len(datasetIDs) == 0 {
		datasetIDs = s.cfg.Datasets
	}
	samples := s.deps.Freshness.Check(ctx, datasetIDs)
	if s.deps.Recorder != nil {
		for _, sample := range samples {
			s.deps.Recorder.FreshnessChecked(sample)
		}
	}
	return samples
}

// QuotaToday reports today's consumption for scope. An empty scope means the
// scope of the configured quota mode for a dataset-less caller, i.e. global.
func (s *Service) QuotaToday(ctx context.Context, scope string) (domain.QuotaUsage, error) {
	if scope == "" {
		scope = domain.GlobalScope
	}
	return s.deps.Quota.Usage(ctx, s.deps.Quota.Today(), scope)
}

// Start runs the watch loop until ctx is cancelled or Stop is called.
// It is a long-running, blocking method.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Service: starting", "datasets", s.cfg.Datasets, "autoRestart", s.cfg.AutoRestart)
	go s.logEvents(ctx)
	s.startWatcher(ctx)
	return nil
}

// Stop ends the watch loop. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Service: stopping")
		close(s.stopChan)
	})
}

func (s *Service) startWatcher(ctx context.Context) {
	interval := time.Duration(max(s.cfg.IntervalMinutes, 1)) * time.Minute
	s.logger.Info("Watch Mode: starting", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run the first cycle immediately on startup.
	s.runWatchCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.runWatchCycle(ctx)
		case <-s.stopChan:
			s.logger.Info("Watch Mode: stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Watch Mode: context cancelled")
			return
		}
	}
}

// runWatchCycle decides, per watched dataset, whether to resume, start, or
// (with auto_restart) force a new cycle, then runs the chosen triggers.
func (s *Service) runWatchCycle(ctx context.Context) {
	if len(s.cfg.Datasets) == 0 {
		return
	}
	s.logger.Info("Watch Cycle: checking datasets", "count", len(s.cfg.Datasets))

	samples := s.CheckFreshness(ctx, s.cfg.Datasets)

	var resume, restart []string
	for _, sample := range samples {
		status, err := s.Status(ctx, sample.DatasetID)
		if err != nil {
			s.logger.Error("Watch Cycle: could not read status", "dataset", sample.DatasetID, "error", err)
			continue
		}
		switch {
		case status.Cycle == nil || !status.Cycle.IsComplete():
			resume = append(resume, sample.DatasetID)
		case sample.IsStale() && s.cfg.AutoRestart:
			restart = append(restart, sample.DatasetID)
		case sample.IsStale():
			s.logger.Info("Watch Cycle: new data detected, restart is not automatic", "dataset", sample.DatasetID)
		}
	}

	for _, batch := range []struct {
		ids   []string
		force bool
	}{{resume, false}, {restart, true}} {
		if len(batch.ids) == 0 {
			continue
		}
		if _, err := s.TriggerAll(ctx, batch.ids, batch.force); err != nil {
			s.logger.Warn("Watch Cycle: some runs failed", "force", batch.force, "error", err)
		}
	}
	s.logger.Info("Watch Cycle: finished", "resumed", len(resume), "restarted", len(restart))
}

func (s *Service) logEvents(ctx context.Context) {
	created := s.deps.Broker.Subscribe(events.TopicCycleCreated, 16)
	completed := s.deps.Broker.Subscribe(events.TopicCycleCompleted, 16)
	finished := s.deps.Broker.Subscribe(events.TopicRunFinished, 16)
	for {
		var (
			ev events.Event
			ok bool
		)
		select {
		case ev, ok = <-created:
		case ev, ok = <-completed:
		case ev, ok = <-finished:
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
		if !ok {
			return
		}
		switch data := ev.Data.(type) {
		case *domain.UpdateCycle:
			s.logger.Info("Events: "+ev.Topic, "dataset", data.DatasetID, "cycle", data.ID, "totalItems", data.TotalItems)
		case domain.RunResult:
			s.logger.Info("Events: "+ev.Topic, "dataset", data.DatasetID, "cycle", data.CycleID, "reason", data.StoppedReason)
		}
	}
}
