// Package cycle decides whether a dataset's update pass is resumed or
// restarted. It never looks at freshness; that policy belongs to callers.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"catalog-sync/internal/domain"
)

// Store is the persistence the manager needs.
type Store interface {
	CurrentCycle(ctx context.Context, datasetID string) (*domain.UpdateCycle, error)
	GetCycle(ctx context.Context, cycleID string) (*domain.UpdateCycle, error)
	ListCycles(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error)
	ReplaceCurrentCycle(ctx context.Context, expectedID string, next domain.UpdateCycle) error
	CompletedItemIDs(ctx context.Context, cycleID string) ([]string, error)
	MarkCycleComplete(ctx context.Context, cycleID string, at time.Time) (bool, error)
}

// Registry lists the items that currently make up a dataset.
type Registry interface {
	ListActiveItems(ctx context.Context, datasetID string) ([]string, error)
}

// Manager owns the UpdateCycle lifecycle.
type Manager struct {
	store    Store
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a cycle manager.
func NewManager(store Store, registry Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, registry: registry, logger: logger, now: time.Now}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ResumeOrCreate returns the dataset's current incomplete cycle, or starts a
// new one when the current cycle is complete or none exists.
func (m *Manager) ResumeOrCreate(ctx context.Context, datasetID string) (*domain.UpdateCycle, bool, error) {
	current, err := m.store.CurrentCycle(ctx, datasetID)
	if err != nil {
		return nil, false, &domain.PersistenceError{Op: "load current cycle", Err: err}
	}
	if current != nil && !current.IsComplete() {
		m.logger.Info("Cycle Manager: resuming cycle",
			"dataset", datasetID, "cycle", current.ID,
			"itemsUpdated", current.ItemsUpdated, "totalItems", current.TotalItems)
		return current, false, nil
	}

	expected := ""
	if current != nil {
		expected = current.ID
	}
	next, err := m.create(ctx, datasetID, expected)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// ForceNew supersedes whatever cycle is current and starts a fresh one. The
// superseded cycle and its records are kept.
func (m *Manager) ForceNew(ctx context.Context, datasetID string) (*domain.UpdateCycle, error) {
	current, err := m.store.CurrentCycle(ctx, datasetID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load current cycle", Err: err}
	}
	expected := ""
	if current != nil {
		expected = current.ID
		m.logger.Info("Cycle Manager: superseding cycle",
			"dataset", datasetID, "cycle", current.ID, "state", current.State())
	}
	return m.create(ctx, datasetID, expected)
}

func (m *Manager) create(ctx context.Context, datasetID, expectedID string) (*domain.UpdateCycle, error) {
	active, err := m.registry.ListActiveItems(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list active items for %s: %w", datasetID, err)
	}

	next := domain.UpdateCycle{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		IsCurrent:  true,
		StartedAt:  m.now().UTC(),
		TotalItems: len(active),
	}
	if err := m.store.ReplaceCurrentCycle(ctx, expectedID, next); err != nil {
		if errors.Is(err, domain.ErrCurrentCycleChanged) {
			return nil, err
		}
		return nil, &domain.PersistenceError{Op: "create cycle", Err: err}
	}

	m.logger.Info("Cycle Manager: created cycle",
		"dataset", datasetID, "cycle", next.ID, "totalItems", next.TotalItems)
	return &next, nil
}

// RemainingItems returns the active items not yet recorded for the cycle,
// in ascending item ID order.
func (m *Manager) RemainingItems(ctx context.Context, c *domain.UpdateCycle) ([]string, error) {
	active, err := m.registry.ListActiveItems(ctx, c.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("list active items for %s: %w", c.DatasetID, err)
	}
	done, err := m.store.CompletedItemIDs(ctx, c.ID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load cycle records", Err: err}
	}
	return Difference(active, done), nil
}

// MarkComplete stamps the cycle complete once nothing remains. Calling it
// again keeps the first timestamp.
func (m *Manager) MarkComplete(ctx context.Context, c *domain.UpdateCycle) error {
	if c.IsComplete() {
		return nil
	}
	remaining, err := m.RemainingItems(ctx, c)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: %d items left in cycle %s", domain.ErrCycleIncomplete, len(remaining), c.ID)
	}

	at := m.now().UTC()
	set, err := m.store.MarkCycleComplete(ctx, c.ID, at)
	if err != nil {
		return &domain.PersistenceError{Op: "complete cycle", Err: err}
	}
	if set {
		c.CompletedAt = &at
		m.logger.Info("Cycle Manager: cycle complete", "dataset", c.DatasetID, "cycle", c.ID)
		return nil
	}

	// Someone else stamped it first; adopt their timestamp.
	stored, err := m.store.GetCycle(ctx, c.ID)
	if err != nil {
		return &domain.PersistenceError{Op: "reload cycle", Err: err}
	}
	if stored == nil || stored.CompletedAt == nil {
		return fmt.Errorf("complete cycle %s: %w", c.ID, domain.ErrNotFound)
	}
	c.CompletedAt = stored.CompletedAt
	return nil
}

// Current returns the dataset's current cycle, or nil.
func (m *Manager) Current(ctx context.Context, datasetID string) (*domain.UpdateCycle, error) {
	c, err := m.store.CurrentCycle(ctx, datasetID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load current cycle", Err: err}
	}
	return c, nil
}

// History returns all cycles of a dataset, newest first.
func (m *Manager) History(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error) {
	cycles, err := m.store.ListCycles(ctx, datasetID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list cycles", Err: err}
	}
	return cycles, nil
}
