// Package pipeline runs the quota-gated fetch-and-apply loop over one cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

// Store is the transactional persistence used by the loop.
type Store interface {
	Leases
	CommitBatch(ctx context.Context, batch domain.BatchCommit) (int, error)
	RecordSpend(ctx context.Context, cycleID string, lease *domain.LeaseFence, entry domain.QuotaLedgerEntry) error
}

// Cycles is the subset of the cycle manager the loop drives.
type Cycles interface {
	RemainingItems(ctx context.Context, c *domain.UpdateCycle) ([]string, error)
	MarkComplete(ctx context.Context, c *domain.UpdateCycle) error
}

// Quota gates every fetch attempt on the daily budget.
type Quota interface {
	Today() string
	Scope(datasetID string) string
	Reserve(ctx context.Context, date, scope string, n int) error
	Entry(date, datasetID string, requestsUsed, itemsCount int) domain.QuotaLedgerEntry
}

// Fetcher is the external catalog.
type Fetcher interface {
	FetchBatch(ctx context.Context, datasetID string, itemIDs []string) ([]domain.FetchResult, error)
}

// Observer is told about batch and run outcomes.
type Observer interface {
	BatchCommitted(datasetID string, items, requests int)
	BatchSkipped(datasetID string, requests int)
	RunFinished(result domain.RunResult)
}

type nopObserver struct{}

func (nopObserver) BatchCommitted(string, int, int) {}
func (nopObserver) BatchSkipped(string, int)        {}
func (nopObserver) RunFinished(domain.RunResult)    {}

// Options tunes the loop.
type Options struct {
	BatchSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	FetchTimeout time.Duration
	LeaseTTL     time.Duration
}

// Runner executes update cycles batch by batch.
type Runner struct {
	opts     Options
	store    Store
	cycles   Cycles
	quota    Quota
	fetcher  Fetcher
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewRunner creates a batch runner.
func NewRunner(opts Options, store Store, cycles Cycles, quota Quota, fetcher Fetcher, logger *slog.Logger) *Runner {
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:     opts,
		store:    store,
		cycles:   cycles,
		quota:    quota,
		fetcher:  fetcher,
		logger:   logger,
		observer: nopObserver{},
		now:      time.Now,
	}
}

// WithObserver attaches an outcome observer.
func (r *Runner) WithObserver(o Observer) *Runner {
	if o != nil {
		r.observer = o
	}
	return r
}

// WithClock replaces the runner's time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Claim acquires the dataset's single-writer lease. It fails fast with
// domain.ErrConcurrentRun when another run holds it.
func (r *Runner) Claim(ctx context.Context, datasetID string) (*Claim, error) {
	return acquire(ctx, r.store, datasetID, r.opts.LeaseTTL, r.now)
}

// RunCycle updates the cycle's remaining items until it completes, the
// quota runs out, a persistence failure occurs, or ctx is cancelled. The
// caller must hold claim. Cancellation is honoured between batches only.
//
// Only run-fatal failures are returned as errors. Skipped batches end the
// run with StopError and are described in RunResult.Error.
func (r *Runner) RunCycle(ctx context.Context, claim *Claim, c *domain.UpdateCycle) (domain.RunResult, error) {
	result := domain.RunResult{DatasetID: c.DatasetID, CycleID: c.ID}
	finish := func(reason domain.StopReason, err error) (domain.RunResult, error) {
		result.StoppedReason = reason
		result.CycleComplete = c.IsComplete()
		if err != nil {
			result.Error = err.Error()
		}
		r.logger.Info("Pipeline: run finished",
			"dataset", c.DatasetID, "cycle", c.ID, "reason", reason,
			"itemsUpdated", result.ItemsUpdatedThisRun, "requestsUsed", result.RequestsUsedThisRun,
			"batchesSkipped", result.BatchesSkipped, "cycleComplete", result.CycleComplete)
		r.observer.RunFinished(result)
		return result, err
	}

	// Batches run to completion even if ctx is cancelled mid-batch.
	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return finish(domain.StopCancelled, nil)
		}

		remaining, err := r.cycles.RemainingItems(work, c)
		if err != nil {
			return finish(domain.StopError, err)
		}
		if len(remaining) == 0 {
			if err := r.cycles.MarkComplete(work, c); err != nil && !errors.Is(err, domain.ErrCycleIncomplete) {
				return finish(domain.StopError, err)
			}
			if c.IsComplete() {
				return finish(domain.StopComplete, nil)
			}
			// Items appeared between the two registry reads; go again.
			continue
		}

		r.logger.Info("Pipeline: walking remaining items",
			"dataset", c.DatasetID, "cycle", c.ID, "remaining", len(remaining), "batchSize", r.opts.BatchSize)

		var skipped *multierror.Error
		for start := 0; start < len(remaining); start += r.opts.BatchSize {
			if ctx.Err() != nil {
				return finish(domain.StopCancelled, nil)
			}
			batch := remaining[start:min(start+r.opts.BatchSize, len(remaining))]

			if err := r.runBatch(work, claim, c, batch, &result); err != nil {
				var perr *domain.PersistenceError
				switch {
				case errors.Is(err, domain.ErrQuotaExceeded):
					if skippedErr := skipped.ErrorOrNil(); skippedErr != nil {
						result.Error = skippedErr.Error()
					}
					return finish(domain.StopQuota, nil)
				case errors.Is(err, domain.ErrConcurrentRun), errors.As(err, &perr):
					return finish(domain.StopError, err)
				}
				skipped = multierror.Append(skipped, err)
			}

			if err := claim.Renew(work); err != nil {
				return finish(domain.StopError, fmt.Errorf("renew lease: %w", err))
			}
		}

		if err := skipped.ErrorOrNil(); err != nil {
			// Skipped batches stay in the remainder for a later run.
			result.Error = err.Error()
			return finish(domain.StopError, nil)
		}
	}
}

// runBatch fetches one batch and commits it. A fetch failure is returned as
// a plain error (the batch is skipped); a store failure as *PersistenceError;
// running out of quota as domain.ErrQuotaExceeded; a lost lease as
// domain.ErrConcurrentRun. Spent requests are recorded in every case but the
// last two.
func (r *Runner) runBatch(ctx context.Context, claim *Claim, c *domain.UpdateCycle, batch []string, result *domain.RunResult) error {
	// Every attempt is charged to the day the batch started on.
	date := r.quota.Today()
	results, attempts, fetchErr := r.fetch(ctx, c.DatasetID, date, batch)
	result.RequestsUsedThisRun += attempts

	if fetchErr != nil {
		var perr *domain.PersistenceError
		if attempts == 0 || errors.As(fetchErr, &perr) {
			return fetchErr
		}
		result.BatchesSkipped++
		r.logger.Warn("Pipeline: skipping batch after failed fetch",
			"dataset", c.DatasetID, "cycle", c.ID, "first", batch[0], "size", len(batch),
			"attempts", attempts, "error", fetchErr)
		r.observer.BatchSkipped(c.DatasetID, attempts)

		entry := r.quota.Entry(date, c.DatasetID, attempts, 0)
		if err := r.store.RecordSpend(ctx, c.ID, claim.fence(r.now()), entry); err != nil {
			return storeError("record skipped batch", err)
		}
		c.RequestsUsed += attempts
		if errors.Is(fetchErr, domain.ErrQuotaExceeded) {
			return fetchErr
		}
		return fmt.Errorf("batch starting at %s: %w", batch[0], fetchErr)
	}

	now := r.now().UTC()
	values := make([]domain.ItemValue, len(batch))
	for i, id := range batch {
		fr := results[id]
		values[i] = domain.ItemValue{DatasetID: c.DatasetID, ItemID: id, Period: fr.Period, Value: fr.Value, FetchedAt: now}
	}

	inserted, err := r.store.CommitBatch(ctx, domain.BatchCommit{
		CycleID:     c.ID,
		Values:      values,
		Entry:       r.quota.Entry(date, c.DatasetID, attempts, len(batch)),
		CommittedAt: now,
		Lease:       claim.fence(now),
	})
	if err != nil {
		return storeError("commit batch", err)
	}

	c.ItemsUpdated += inserted
	c.RequestsUsed += attempts
	result.ItemsUpdatedThisRun += inserted
	r.observer.BatchCommitted(c.DatasetID, inserted, attempts)
	return nil
}

func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrConcurrentRun) {
		return fmt.Errorf("%s: lease lost: %w", op, err)
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

// fetch calls the source with bounded, backed-off retries. Every attempt,
// retries included, is admitted by the quota first; earlier attempts of the
// batch count as pending because they reach the ledger only with the batch.
// Each attempt has its own timeout. It returns the results keyed by item ID
// and the number of requests issued.
func (r *Runner) fetch(ctx context.Context, datasetID, date string, batch []string) (map[string]domain.FetchResult, int, error) {
	scope := r.quota.Scope(datasetID)
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitial
	b.Multiplier = config.RetryMultiplier
	b.RandomizationFactor = config.RetryRandomization
	b.MaxInterval = config.RetryMaxInterval

	byID, err := backoff.Retry(ctx, func() (map[string]domain.FetchResult, error) {
		if err := r.quota.Reserve(ctx, date, scope, attempts+1); err != nil {
			if !errors.Is(err, domain.ErrQuotaExceeded) {
				err = &domain.PersistenceError{Op: "reserve quota", Err: err}
			}
			return nil, backoff.Permanent(err)
		}
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()

		results, err := r.fetcher.FetchBatch(attemptCtx, datasetID, batch)
		if err != nil {
			if domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return covering(datasetID, batch, results)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug("Pipeline: retrying fetch", "dataset", datasetID, "error", err, "in", next)
		}),
	)
	return byID, attempts, err
}

// covering indexes results by item ID and fails unless every requested item
// is present: a batch is all-or-nothing.
func covering(datasetID string, batch []string, results []domain.FetchResult) (map[string]domain.FetchResult, error) {
	byID := make(map[string]domain.FetchResult, len(results))
	for _, fr := range results {
		byID[fr.ItemID] = fr
	}
	for _, id := range batch {
		if _, ok := byID[id]; !ok {
			return nil, &domain.FetchError{
				DatasetID: datasetID,
				Transient: true,
				Err:       fmt.Errorf("response is missing item %s", id),
			}
		}
	}
	return byID, nil
}
