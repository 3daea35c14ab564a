// Package quota enforces the daily external request ceiling over an
// append-only ledger keyed by (date, scope).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

// Ledger is the append-only consumption log.
type Ledger interface {
	AppendLedgerEntry(ctx context.Context, entry domain.QuotaLedgerEntry) error
	LedgerUsage(ctx context.Context, date, scope string) (requests int, items int, err error)
}

// Tracker admits and records requests against the daily limit.
type Tracker struct {
	ledger     Ledger
	dailyLimit int
	perDataset bool
	now        func() time.Time
}

// NewTracker creates a Tracker for the configured limit and scope.
func NewTracker(ledger Ledger, cfg config.QuotaConfig) *Tracker {
	return &Tracker{
		ledger:     ledger,
		dailyLimit: cfg.DailyLimit,
		perDataset: cfg.Scope == config.ScopeDataset,
		now:        time.Now,
	}
}

// WithClock replaces the tracker's time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// DailyLimit is the configured ceiling per (date, scope).
func (t *Tracker) DailyLimit() int {
	return t.dailyLimit
}

// Today returns the current ledger date.
func (t *Tracker) Today() string {
	return domain.LedgerDate(t.now())
}

// Scope maps a dataset to the ledger partition it spends from.
func (t *Tracker) Scope(datasetID string) string {
	if t.perDataset && datasetID != "" {
		return datasetID
	}
	return domain.GlobalScope
}

// RemainingQuota is the daily limit minus everything recorded for (date, scope).
// It goes negative once the ceiling has been overshot.
func (t *Tracker) RemainingQuota(ctx context.Context, date, scope string) (int, error) {
	used, _, err := t.ledger.LedgerUsage(ctx, date, scope)
	if err != nil {
		return 0, fmt.Errorf("quota: usage for %s/%s: %w", date, scope, err)
	}
	return t.dailyLimit - used, nil
}

// Reserve checks whether the n-th of a run of requests not yet in the
// ledger may be issued. It records nothing. The ceiling is inclusive: a
// request is admitted while recorded usage plus the n-1 pending before it
// has not gone past the limit, so the request issued at exactly the limit
// still runs.
func (t *Tracker) Reserve(ctx context.Context, date, scope string, n int) error {
	if n < 1 {
		n = 1
	}
	remaining, err := t.RemainingQuota(ctx, date, scope)
	if err != nil {
		return err
	}
	if remaining < n-1 {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// Entry builds the ledger entry for requests datasetID spent against date.
// The date is the one the requests were reserved under, which may already
// be yesterday when the entry is written.
func (t *Tracker) Entry(date, datasetID string, requestsUsed, itemsCount int) domain.QuotaLedgerEntry {
	return domain.QuotaLedgerEntry{
		ID:           uuid.NewString(),
		Date:         date,
		Scope:        t.Scope(datasetID),
		DatasetID:    datasetID,
		RequestsUsed: requestsUsed,
		ItemsCount:   itemsCount,
		RecordedAt:   t.now().UTC(),
	}
}

// Record appends one ledger entry for spend that is not tied to a cycle,
// such as requests made by ledger-only callers. The pipeline writes its
// entries through the store together with the batch instead. Prior entries
// are never touched.
func (t *Tracker) Record(ctx context.Context, date, scope, datasetID string, requestsUsed, itemsCount int) error {
	e := t.Entry(date, datasetID, requestsUsed, itemsCount)
	e.Scope = scope
	if err := t.ledger.AppendLedgerEntry(ctx, e); err != nil {
		return fmt.Errorf("quota: record %s/%s: %w", date, scope, err)
	}
	return nil
}

// Usage reports consumption and headroom for (date, scope).
func (t *Tracker) Usage(ctx context.Context, date, scope string) (domain.QuotaUsage, error) {
	requests, items, err := t.ledger.LedgerUsage(ctx, date, scope)
	if err != nil {
		return domain.QuotaUsage{}, fmt.Errorf("quota: usage for %s/%s: %w", date, scope, err)
	}
	return domain.QuotaUsage{
		Date:         date,
		Scope:        scope,
		Limit:        t.dailyLimit,
		RequestsUsed: requests,
		ItemsCount:   items,
		Remaining:    max(t.dailyLimit-requests, 0),
	}, nil
}
