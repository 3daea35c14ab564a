// Path: internal/storage/sql_store.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"catalog-sync/internal/domain"
)

// schema is shared by the SQL backends. $TS is replaced by the dialect's
// timestamp column type.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS update_cycles (
		id            TEXT PRIMARY KEY,
		dataset_id    TEXT NOT NULL,
		is_current    BOOLEAN NOT NULL,
		started_at    $TS NOT NULL,
		completed_at  $TS NULL,
		total_items   INTEGER NOT NULL,
		items_updated INTEGER NOT NULL DEFAULT 0,
		requests_used INTEGER NOT NULL DEFAULT 0
	)`,
	// At most one current cycle per dataset.
	`CREATE UNIQUE INDEX IF NOT EXISTS update_cycles_one_current
		ON update_cycles (dataset_id) WHERE is_current`,
	`CREATE INDEX IF NOT EXISTS update_cycles_dataset
		ON update_cycles (dataset_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS cycle_items (
		cycle_id   TEXT NOT NULL REFERENCES update_cycles (id),
		item_id    TEXT NOT NULL,
		updated_at $TS NOT NULL,
		PRIMARY KEY (cycle_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quota_ledger (
		id            TEXT PRIMARY KEY,
		ledger_date   TEXT NOT NULL,
		scope         TEXT NOT NULL,
		dataset_id    TEXT NOT NULL,
		requests_used INTEGER NOT NULL,
		items_count   INTEGER NOT NULL,
		recorded_at   $TS NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS quota_ledger_date_scope
		ON quota_ledger (ledger_date, scope)`,
	`CREATE TABLE IF NOT EXISTS item_values (
		dataset_id TEXT NOT NULL,
		item_id    TEXT NOT NULL,
		period     TEXT NOT NULL,
		value      TEXT NOT NULL,
		fetched_at $TS NOT NULL,
		PRIMARY KEY (dataset_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_leases (
		dataset_id TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
}

const cycleColumns = `id, dataset_id, is_current, started_at, completed_at, total_items, items_updated, requests_used`

// lookupChunk bounds the number of bind parameters in IN (...) queries.
const lookupChunk = 500

type dialect struct {
	name              string
	timestampType     string
	numberedParams    bool
	isUniqueViolation func(error) bool
}

// SQLStore is the database/sql implementation of the cycle store, quota
// ledger, item value and lease storage interfaces.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	release func()
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "$TS", s.dialect.timestampType)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.release != nil {
		s.release()
	}
	return err
}

// rebind rewrites ? placeholders to $n for dialects that need numbered params.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*domain.UpdateCycle, error) {
	var (
		c         domain.UpdateCycle
		completed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.DatasetID, &c.IsCurrent, &c.StartedAt, &completed, &c.TotalItems, &c.ItemsUpdated, &c.RequestsUsed)
	if err != nil {
		return nil, err
	}
	c.StartedAt = c.StartedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		c.CompletedAt = &t
	}
	return &c, nil
}

// --- Cycles ---

// CurrentCycle returns the dataset's current cycle, or nil if it has none.
func (s *SQLStore) CurrentCycle(ctx context.Context, datasetID string) (*domain.UpdateCycle, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+cycleColumns+` FROM update_cycles WHERE dataset_id = ? AND is_current`), datasetID)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetCycle returns a cycle by ID, or nil if it does not exist.
func (s *SQLStore) GetCycle(ctx context.Context, cycleID string) (*domain.UpdateCycle, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+cycleColumns+` FROM update_cycles WHERE id = ?`), cycleID)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCycles returns every cycle of a dataset, newest first.
func (s *SQLStore) ListCycles(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+cycleColumns+` FROM update_cycles
		WHERE dataset_id = ? ORDER BY started_at DESC, is_current DESC`), datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []domain.UpdateCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

// ReplaceCurrentCycle supersedes the cycle expectedID (or requires that the
// dataset has no current cycle when expectedID is empty) and inserts next as
// the new current cycle, in one transaction.
func (s *SQLStore) ReplaceCurrentCycle(ctx context.Context, expectedID string, next domain.UpdateCycle) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if expectedID != "" {
			res, err := tx.ExecContext(ctx, s.rebind(`UPDATE update_cycles SET is_current = ?
				WHERE id = ? AND dataset_id = ? AND is_current`), false, expectedID, next.DatasetID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return domain.ErrCurrentCycleChanged
			}
		}

		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO update_cycles (`+cycleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			next.ID, next.DatasetID, true, next.StartedAt.UTC(), nil, next.TotalItems, 0, 0)
		if err != nil && s.dialect.isUniqueViolation(err) {
			return domain.ErrCurrentCycleChanged
		}
		return err
	})
	return err
}

// MarkCycleComplete stamps completedAt if it is not already set. It reports
// whether this call set it.
func (s *SQLStore) MarkCycleComplete(ctx context.Context, cycleID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE update_cycles SET completed_at = ?
		WHERE id = ? AND completed_at IS NULL`), at.UTC(), cycleID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// --- Item records ---

// CompletedItemIDs returns the items recorded for a cycle in ascending order.
func (s *SQLStore) CompletedItemIDs(ctx context.Context, cycleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT item_id FROM cycle_items WHERE cycle_id = ? ORDER BY item_id`), cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ItemRecords returns the full records of a cycle ordered by item ID.
func (s *SQLStore) ItemRecords(ctx context.Context, cycleID string) ([]domain.CycleItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT cycle_id, item_id, updated_at FROM cycle_items
		WHERE cycle_id = ? ORDER BY item_id`), cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.CycleItemRecord
	for rows.Next() {
		var r domain.CycleItemRecord
		if err := rows.Scan(&r.CycleID, &r.ItemID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt = r.UpdatedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountItemRecords counts the records of a cycle.
func (s *SQLStore) CountItemRecords(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM cycle_items WHERE cycle_id = ?`), cycleID).Scan(&n)
	return n, err
}

// CommitBatch persists a fetched batch: values, item records, cycle counters
// and the ledger entry, all in one transaction. It returns the number of
// records newly inserted.
func (s *SQLStore) CommitBatch(ctx context.Context, batch domain.BatchCommit) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkLease(ctx, tx, batch.Lease); err != nil {
			return err
		}
		upsertValue, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO item_values (dataset_id, item_id, period, value, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (dataset_id, item_id) DO UPDATE
			SET period = excluded.period, value = excluded.value, fetched_at = excluded.fetched_at`))
		if err != nil {
			return err
		}
		defer upsertValue.Close()

		insertRecord, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO cycle_items (cycle_id, item_id, updated_at)
			VALUES (?, ?, ?) ON CONFLICT (cycle_id, item_id) DO NOTHING`))
		if err != nil {
			return err
		}
		defer insertRecord.Close()

		for _, v := range batch.Values {
			if _, err := upsertValue.ExecContext(ctx, v.DatasetID, v.ItemID, v.Period, v.Value, v.FetchedAt.UTC()); err != nil {
				return fmt.Errorf("upsert value %s: %w", v.ItemID, err)
			}
			res, err := insertRecord.ExecContext(ctx, batch.CycleID, v.ItemID, batch.CommittedAt.UTC())
			if err != nil {
				return fmt.Errorf("insert record %s: %w", v.ItemID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}

		if err := s.addCycleCounters(ctx, tx, batch.CycleID, inserted, batch.Entry.RequestsUsed); err != nil {
			return err
		}
		return s.insertLedgerEntry(ctx, tx, batch.Entry)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// RecordSpend appends a ledger entry for requests that produced no records
// and charges them to the cycle. lease is fenced like CommitBatch's.
func (s *SQLStore) RecordSpend(ctx context.Context, cycleID string, lease *domain.LeaseFence, entry domain.QuotaLedgerEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkLease(ctx, tx, lease); err != nil {
			return err
		}
		if err := s.addCycleCounters(ctx, tx, cycleID, 0, entry.RequestsUsed); err != nil {
			return err
		}
		return s.insertLedgerEntry(ctx, tx, entry)
	})
}

// checkLease fails with ErrConcurrentRun unless the fenced lease is still
// held and unexpired. A nil fence checks nothing.
func (s *SQLStore) checkLease(ctx context.Context, tx *sql.Tx, lease *domain.LeaseFence) error {
	if lease == nil {
		return nil
	}
	var n int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM run_leases
		WHERE dataset_id = ? AND holder = ? AND expires_at > ?`),
		lease.DatasetID, lease.Holder, lease.At.UnixMilli()).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentRun
	}
	return nil
}

func (s *SQLStore) addCycleCounters(ctx context.Context, tx *sql.Tx, cycleID string, items, requests int) error {
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE update_cycles
		SET items_updated = items_updated + ?, requests_used = requests_used + ?
		WHERE id = ? AND is_current`), items, requests, cycleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return domain.ErrCycleNotCurrent
	}
	return nil
}

// --- Quota ledger ---

// AppendLedgerEntry appends one immutable ledger entry.
func (s *SQLStore) AppendLedgerEntry(ctx context.Context, entry domain.QuotaLedgerEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertLedgerEntry(ctx, tx, entry)
	})
}

func (s *SQLStore) insertLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.QuotaLedgerEntry) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO quota_ledger
		(id, ledger_date, scope, dataset_id, requests_used, items_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Date, e.Scope, e.DatasetID, e.RequestsUsed, e.ItemsCount, e.RecordedAt.UTC())
	return err
}

// LedgerUsage sums the requests and items recorded for (date, scope).
func (s *SQLStore) LedgerUsage(ctx context.Context, date, scope string) (int, int, error) {
	var requests, items int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(SUM(requests_used), 0), COALESCE(SUM(items_count), 0)
		FROM quota_ledger WHERE ledger_date = ? AND scope = ?`), date, scope).Scan(&requests, &items)
	return requests, items, err
}

// LedgerEntries lists the entries of (date, scope) in insertion-time order.
func (s *SQLStore) LedgerEntries(ctx context.Context, date, scope string) ([]domain.QuotaLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, ledger_date, scope, dataset_id, requests_used, items_count, recorded_at
		FROM quota_ledger WHERE ledger_date = ? AND scope = ? ORDER BY recorded_at, id`), date, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.QuotaLedgerEntry
	for rows.Next() {
		var e domain.QuotaLedgerEntry
		if err := rows.Scan(&e.ID, &e.Date, &e.Scope, &e.DatasetID, &e.RequestsUsed, &e.ItemsCount, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.RecordedAt = e.RecordedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Item values ---

// LatestPeriods returns the stored period of each given item that has a value.
func (s *SQLStore) LatestPeriods(ctx context.Context, datasetID string, itemIDs []string) (map[string]string, error) {
	periods := make(map[string]string, len(itemIDs))
	for start := 0; start < len(itemIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(itemIDs))
		chunk := itemIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, datasetID)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")

		rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT item_id, period FROM item_values
			WHERE dataset_id = ? AND item_id IN (`+placeholders+`)`), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, period string
			if err := rows.Scan(&id, &period); err != nil {
				rows.Close()
				return nil, err
			}
			periods[id] = period
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return periods, nil
}

// ItemValue returns the stored value of one item, or nil.
func (s *SQLStore) ItemValue(ctx context.Context, datasetID, itemID string) (*domain.ItemValue, error) {
	v := domain.ItemValue{DatasetID: datasetID, ItemID: itemID}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT period, value, fetched_at FROM item_values
		WHERE dataset_id = ? AND item_id = ?`), datasetID, itemID).Scan(&v.Period, &v.Value, &v.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.FetchedAt = v.FetchedAt.UTC()
	return &v, nil
}

// --- Leases ---

// AcquireLease claims the dataset for holder until now+ttl. It succeeds when
// the lease is free, expired, or already held by holder.
func (s *SQLStore) AcquireLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO run_leases (dataset_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (dataset_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE run_leases.expires_at <= ? OR run_leases.holder = excluded.holder`),
		datasetID, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentRun
	}
	return nil
}

// RenewLease extends a lease still held by holder.
func (s *SQLStore) RenewLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE run_leases SET expires_at = ?
		WHERE dataset_id = ? AND holder = ?`), now.Add(ttl).UnixMilli(), datasetID, holder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentRun
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *SQLStore) ReleaseLease(ctx context.Context, datasetID, holder string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM run_leases WHERE dataset_id = ? AND holder = ?`), datasetID, holder)
	return err
}
