package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"catalog-sync/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("CATALOG_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgres(context.Background(), dsn, 4)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	if uri := os.Getenv("CATALOG_TEST_MONGO_URI"); uri != "" {
		factories["mongo"] = func(t *testing.T) Store {
			ctx := context.Background()
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
			require.NoError(t, err)
			db := client.Database("catalog_sync_test_" + uuid.NewString()[:8])
			s, err := NewMongoStore(ctx, db)
			require.NoError(t, err)
			t.Cleanup(func() {
				db.Drop(ctx)
				s.Close()
			})
			return s
		}
	}
	return factories
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newCycle(datasetID string, total int, at time.Time) domain.UpdateCycle {
	return domain.UpdateCycle{ID: uuid.NewString(), DatasetID: datasetID, IsCurrent: true, StartedAt: at, TotalItems: total}
}

func values(datasetID string, ids ...string) []domain.ItemValue {
	out := make([]domain.ItemValue, len(ids))
	for i, id := range ids {
		out[i] = domain.ItemValue{DatasetID: datasetID, ItemID: id, Period: "2024-06", Value: "v-" + id, FetchedAt: t0}
	}
	return out
}

func entry(datasetID, scope string, requests, items int) domain.QuotaLedgerEntry {
	return domain.QuotaLedgerEntry{
		ID: uuid.NewString(), Date: domain.LedgerDate(t0), Scope: scope, DatasetID: datasetID,
		RequestsUsed: requests, ItemsCount: items, RecordedAt: t0,
	}
}

func TestReplaceCurrentCycleKeepsOneCurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()

		first := newCycle(ds, 10, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", first))

		// A second "create from nothing" must lose the compare-and-set.
		err := s.ReplaceCurrentCycle(ctx, "", newCycle(ds, 10, t0.Add(time.Minute)))
		assert.ErrorIs(t, err, domain.ErrCurrentCycleChanged)

		// So must a replacement that expects the wrong predecessor.
		err = s.ReplaceCurrentCycle(ctx, uuid.NewString(), newCycle(ds, 10, t0.Add(time.Minute)))
		assert.ErrorIs(t, err, domain.ErrCurrentCycleChanged)

		second := newCycle(ds, 12, t0.Add(time.Hour))
		require.NoError(t, s.ReplaceCurrentCycle(ctx, first.ID, second))

		current, err := s.CurrentCycle(ctx, ds)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, second.ID, current.ID)
		assert.Equal(t, 12, current.TotalItems)

		old, err := s.GetCycle(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, old.IsCurrent)
		assert.Equal(t, domain.CycleSuperseded, old.State())

		history, err := s.ListCycles(ctx, ds)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.ID, history[0].ID)
		assert.Equal(t, first.ID, history[1].ID)
	})
}

func TestCurrentCycleMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		c, err := s.CurrentCycle(context.Background(), "ds-"+uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}

func TestCommitBatchIsAtomicAndCounted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		scope := "scope-" + uuid.NewString()
		c := newCycle(ds, 5, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", c))

		n, err := s.CommitBatch(ctx, domain.BatchCommit{
			CycleID: c.ID, Values: values(ds, "b", "a"), Entry: entry(ds, scope, 1, 2), CommittedAt: t0,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// Re-committing an item does not count it twice.
		n, err = s.CommitBatch(ctx, domain.BatchCommit{
			CycleID: c.ID, Values: values(ds, "b", "c"), Entry: entry(ds, scope, 1, 2), CommittedAt: t0,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		count, err := s.CountItemRecords(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.ItemsUpdated)
		assert.Equal(t, count, got.ItemsUpdated)
		assert.Equal(t, 2, got.RequestsUsed)

		ids, err := s.CompletedItemIDs(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		v, err := s.ItemValue(ctx, ds, "a")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, "v-a", v.Value)

		requests, items, err := s.LedgerUsage(ctx, domain.LedgerDate(t0), scope)
		require.NoError(t, err)
		assert.Equal(t, 2, requests)
		assert.Equal(t, 4, items)
	})
}

func TestCommitBatchAgainstSupersededCycleWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		scope := "scope-" + uuid.NewString()
		old := newCycle(ds, 5, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", old))
		require.NoError(t, s.ReplaceCurrentCycle(ctx, old.ID, newCycle(ds, 5, t0.Add(time.Hour))))

		_, err := s.CommitBatch(ctx, domain.BatchCommit{
			CycleID: old.ID, Values: values(ds, "a"), Entry: entry(ds, scope, 1, 1), CommittedAt: t0,
		})
		assert.ErrorIs(t, err, domain.ErrCycleNotCurrent)

		count, err := s.CountItemRecords(ctx, old.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
		v, err := s.ItemValue(ctx, ds, "a")
		require.NoError(t, err)
		assert.Nil(t, v)
		requests, _, err := s.LedgerUsage(ctx, domain.LedgerDate(t0), scope)
		require.NoError(t, err)
		assert.Zero(t, requests)
	})
}

func TestRecordSpendChargesCycleAndLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		scope := "scope-" + uuid.NewString()
		c := newCycle(ds, 5, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", c))

		require.NoError(t, s.AcquireLease(ctx, ds, "run-1", t0, time.Minute))
		fence := &domain.LeaseFence{DatasetID: ds, Holder: "run-1", At: t0.Add(time.Second)}
		require.NoError(t, s.RecordSpend(ctx, c.ID, fence, entry(ds, scope, 3, 0)))

		got, err := s.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.RequestsUsed)
		assert.Zero(t, got.ItemsUpdated)

		entries, err := s.LedgerEntries(ctx, domain.LedgerDate(t0), scope)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 3, entries[0].RequestsUsed)
		assert.Equal(t, ds, entries[0].DatasetID)
	})
}

func TestWritesAreFencedByTheLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		scope := "scope-" + uuid.NewString()
		c := newCycle(ds, 5, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", c))
		require.NoError(t, s.AcquireLease(ctx, ds, "run-1", t0, time.Minute))

		commit := func(holder string, at time.Time) error {
			_, err := s.CommitBatch(ctx, domain.BatchCommit{
				CycleID: c.ID, Values: values(ds, "a"), Entry: entry(ds, scope, 1, 1), CommittedAt: at,
				Lease: &domain.LeaseFence{DatasetID: ds, Holder: holder, At: at},
			})
			return err
		}

		assert.ErrorIs(t, commit("run-2", t0.Add(time.Second)), domain.ErrConcurrentRun, "not the holder")
		assert.ErrorIs(t, commit("run-1", t0.Add(time.Minute)), domain.ErrConcurrentRun, "expired")
		spendFence := &domain.LeaseFence{DatasetID: ds, Holder: "run-1", At: t0.Add(2 * time.Minute)}
		assert.ErrorIs(t, s.RecordSpend(ctx, c.ID, spendFence, entry(ds, scope, 2, 0)), domain.ErrConcurrentRun)

		got, err := s.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, got.ItemsUpdated)
		assert.Zero(t, got.RequestsUsed)
		requests, _, err := s.LedgerUsage(ctx, domain.LedgerDate(t0), scope)
		require.NoError(t, err)
		assert.Zero(t, requests)
		v, err := s.ItemValue(ctx, ds, "a")
		require.NoError(t, err)
		assert.Nil(t, v)

		require.NoError(t, commit("run-1", t0.Add(59*time.Second)))
		got, err = s.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ItemsUpdated)
	})
}

func TestMarkCycleCompleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := newCycle("ds-"+uuid.NewString(), 0, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", c))

		set, err := s.MarkCycleComplete(ctx, c.ID, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, set)

		set, err = s.MarkCycleComplete(ctx, c.ID, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.False(t, set)

		got, err := s.GetCycle(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(t0.Add(time.Hour)))
		assert.Equal(t, domain.CycleActiveComplete, got.State())
	})
}

func TestLedgerIsPartitionedByDateAndScope(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		scope := "scope-" + uuid.NewString()

		require.NoError(t, s.AppendLedgerEntry(ctx, entry("a", scope, 2, 100)))
		require.NoError(t, s.AppendLedgerEntry(ctx, entry("b", scope, 3, 150)))
		other := entry("a", scope, 7, 7)
		other.Date = domain.LedgerDate(t0.AddDate(0, 0, 1))
		require.NoError(t, s.AppendLedgerEntry(ctx, other))
		require.NoError(t, s.AppendLedgerEntry(ctx, entry("a", scope+"-other", 11, 0)))

		requests, items, err := s.LedgerUsage(ctx, domain.LedgerDate(t0), scope)
		require.NoError(t, err)
		assert.Equal(t, 5, requests)
		assert.Equal(t, 250, items)
	})
}

func TestLatestPeriods(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		c := newCycle(ds, 2, t0)
		require.NoError(t, s.ReplaceCurrentCycle(ctx, "", c))
		_, err := s.CommitBatch(ctx, domain.BatchCommit{
			CycleID: c.ID, Values: values(ds, "a", "b"), Entry: entry(ds, "*", 1, 2), CommittedAt: t0,
		})
		require.NoError(t, err)

		periods, err := s.LatestPeriods(ctx, ds, []string{"a", "b", "missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "2024-06", "b": "2024-06"}, periods)
	})
}

func TestLeaseLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ds := "ds-" + uuid.NewString()
		ttl := time.Minute

		require.NoError(t, s.AcquireLease(ctx, ds, "run-1", t0, ttl))
		// Re-entrant for the same holder.
		require.NoError(t, s.AcquireLease(ctx, ds, "run-1", t0, ttl))
		assert.ErrorIs(t, s.AcquireLease(ctx, ds, "run-2", t0.Add(30*time.Second), ttl), domain.ErrConcurrentRun)

		require.NoError(t, s.RenewLease(ctx, ds, "run-1", t0.Add(50*time.Second), ttl))
		assert.ErrorIs(t, s.AcquireLease(ctx, ds, "run-2", t0.Add(90*time.Second), ttl), domain.ErrConcurrentRun)

		// Expired leases can be taken over; the old holder then loses renewals.
		require.NoError(t, s.AcquireLease(ctx, ds, "run-2", t0.Add(3*time.Minute), ttl))
		assert.ErrorIs(t, s.RenewLease(ctx, ds, "run-1", t0.Add(3*time.Minute), ttl), domain.ErrConcurrentRun)

		// Releasing someone else's lease is a no-op.
		require.NoError(t, s.ReleaseLease(ctx, ds, "run-1"))
		assert.ErrorIs(t, s.AcquireLease(ctx, ds, "run-3", t0.Add(3*time.Minute), ttl), domain.ErrConcurrentRun)

		require.NoError(t, s.ReleaseLease(ctx, ds, "run-2"))
		require.NoError(t, s.AcquireLease(ctx, ds, "run-3", t0.Add(3*time.Minute), ttl))
	})
}
