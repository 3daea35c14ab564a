// Package freshness samples a dataset to tell whether the source has newer
// periods than the ones stored locally. It never writes.
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

// Registry lists a dataset's active items.
type Registry interface {
	ListActiveItems(ctx context.Context, datasetID string) ([]string, error)
}

// Fetcher reads item periods from the source.
type Fetcher interface {
	FetchBatch(ctx context.Context, datasetID string, itemIDs []string) ([]domain.FetchResult, error)
}

// LocalPeriods reads the periods stored locally for a set of items.
type LocalPeriods interface {
	LatestPeriods(ctx context.Context, datasetID string, itemIDs []string) (map[string]string, error)
}

// Checker compares a bounded sample of items against the source.
type Checker struct {
	registry       Registry
	fetcher        Fetcher
	local          LocalPeriods
	sampleSize     int
	chunkSize      int
	timeout        time.Duration
	maxConcurrency int
	logger         *slog.Logger
	now            func() time.Time
}

// NewChecker creates a checker. Remote periods are fetched in chunks of
// chunkSize items, each request bounded by timeout.
func NewChecker(cfg config.FreshnessConfig, chunkSize int, timeout time.Duration, registry Registry, fetcher Fetcher, local LocalPeriods, logger *slog.Logger) *Checker {
	if cfg.SampleSize < 1 {
		cfg.SampleSize = 50
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if chunkSize < 1 {
		chunkSize = cfg.SampleSize
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		registry:       registry,
		fetcher:        fetcher,
		local:          local,
		sampleSize:     cfg.SampleSize,
		chunkSize:      chunkSize,
		timeout:        timeout,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
		now:            time.Now,
	}
}

// WithClock replaces the checker's time source.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// Check samples every dataset concurrently. A dataset that cannot be checked
// gets a sample with a nil HasNewData and the error text; the others are
// unaffected. Results are in the order of datasetIDs.
func (c *Checker) Check(ctx context.Context, datasetIDs []string) []domain.FreshnessSample {
	samples := make([]domain.FreshnessSample, len(datasetIDs))

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for i, id := range datasetIDs {
		g.Go(func() error {
			samples[i] = c.CheckDataset(ctx, id)
			return nil
		})
	}
	g.Wait()
	return samples
}

// CheckDataset samples a single dataset.
func (c *Checker) CheckDataset(ctx context.Context, datasetID string) domain.FreshnessSample {
	s := domain.FreshnessSample{DatasetID: datasetID, SampledAt: c.now().UTC()}

	verdict, err := c.check(ctx, &s)
	if err != nil {
		s.Error = err.Error()
		c.logger.Warn("Freshness: check failed", "dataset", datasetID, "error", err)
		return s
	}
	s.HasNewData = &verdict
	c.logger.Info("Freshness: check finished",
		"dataset", datasetID, "sampleSize", s.SampleSize,
		"localLatest", s.LocalLatestPeriod, "remoteLatest", s.RemoteLatestPeriod, "hasNewData", verdict)
	return s
}

func (c *Checker) check(ctx context.Context, s *domain.FreshnessSample) (bool, error) {
	items, err := c.registry.ListActiveItems(ctx, s.DatasetID)
	if err != nil {
		return false, fmt.Errorf("list active items: %w", err)
	}
	sample := Sample(items, c.sampleSize)
	s.SampleSize = len(sample)
	if len(sample) == 0 {
		return false, nil
	}

	local, err := c.local.LatestPeriods(ctx, s.DatasetID, sample)
	if err != nil {
		return false, fmt.Errorf("read local periods: %w", err)
	}
	remote, err := c.remotePeriods(ctx, s.DatasetID, sample)
	if err != nil {
		return false, err
	}

	newer := false
	for _, id := range sample {
		lp, rp := local[id], remote[id]
		s.LocalLatestPeriod = max(s.LocalLatestPeriod, lp)
		s.RemoteLatestPeriod = max(s.RemoteLatestPeriod, rp)
		if rp != "" && rp > lp {
			newer = true
		}
	}
	return newer, nil
}

func (c *Checker) remotePeriods(ctx context.Context, datasetID string, sample []string) (map[string]string, error) {
	periods := make(map[string]string, len(sample))
	for start := 0; start < len(sample); start += c.chunkSize {
		chunk := sample[start:min(start+c.chunkSize, len(sample))]

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		results, err := c.fetcher.FetchBatch(reqCtx, datasetID, chunk)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch sample: %w", err)
		}
		for _, r := range results {
			periods[r.ItemID] = r.Period
		}
	}
	return periods, nil
}

// Sample picks up to n evenly spaced items. The same input always yields the
// same sample.
func Sample(items []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(items) <= n {
		return append([]string(nil), items...)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = items[i*len(items)/n]
	}
	return out
}
