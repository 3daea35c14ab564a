// Path: internal/storage/mongo_store.go
package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"catalog-sync/internal/domain"
)

const (
	cyclesCollection = "update_cycles"
	itemsCollection  = "cycle_items"
	ledgerCollection = "quota_ledger"
	valuesCollection = "item_values"
	leasesCollection = "run_leases"
)

// MongoStore is the MongoDB implementation of the storage interfaces.
// Multi-document writes use transactions, so the deployment must be a
// replica set or sharded cluster.
type MongoStore struct {
	client *mongo.Client
	cycles *mongo.Collection
	items  *mongo.Collection
	ledger *mongo.Collection
	values *mongo.Collection
	leases *mongo.Collection
}

// NewMongoStore creates a new storage adapter and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		client: db.Client(),
		cycles: db.Collection(cyclesCollection),
		items:  db.Collection(itemsCollection),
		ledger: db.Collection(ledgerCollection),
		values: db.Collection(valuesCollection),
		leases: db.Collection(leasesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.cycles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// At most one current cycle per dataset.
			Keys: bson.D{{Key: "datasetId", Value: 1}},
			Options: options.Index().
				SetName("one_current_per_dataset").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"isCurrent": true}),
		},
		{Keys: bson.D{{Key: "datasetId", Value: 1}, {Key: "startedAt", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "cycleId", Value: 1}, {Key: "itemId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.ledger.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "date", Value: 1}, {Key: "scope", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.values.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "datasetId", Value: 1}, {Key: "itemId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *MongoStore) findCycle(ctx context.Context, filter bson.M) (*domain.UpdateCycle, error) {
	var cycle domain.UpdateCycle
	err := s.cycles.FindOne(ctx, filter).Decode(&cycle)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // Return nil, nil if not found
		}
		return nil, err
	}
	normalizeCycle(&cycle)
	return &cycle, nil
}

func normalizeCycle(c *domain.UpdateCycle) {
	c.StartedAt = c.StartedAt.UTC()
	if c.CompletedAt != nil {
		t := c.CompletedAt.UTC()
		c.CompletedAt = &t
	}
}

// CurrentCycle implements the cycle store interface.
func (s *MongoStore) CurrentCycle(ctx context.Context, datasetID string) (*domain.UpdateCycle, error) {
	return s.findCycle(ctx, bson.M{"datasetId": datasetID, "isCurrent": true})
}

// GetCycle implements the cycle store interface.
func (s *MongoStore) GetCycle(ctx context.Context, cycleID string) (*domain.UpdateCycle, error) {
	return s.findCycle(ctx, bson.M{"_id": cycleID})
}

// ListCycles implements the cycle store interface.
func (s *MongoStore) ListCycles(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}, {Key: "isCurrent", Value: -1}})
	cursor, err := s.cycles.Find(ctx, bson.M{"datasetId": datasetID}, opts)
	if err != nil {
		return nil, err
	}
	var cycles []domain.UpdateCycle
	if err := cursor.All(ctx, &cycles); err != nil {
		return nil, err
	}
	for i := range cycles {
		normalizeCycle(&cycles[i])
	}
	return cycles, nil
}

// ReplaceCurrentCycle implements the cycle store interface.
func (s *MongoStore) ReplaceCurrentCycle(ctx context.Context, expectedID string, next domain.UpdateCycle) error {
	next.IsCurrent = true
	next.CompletedAt = nil
	next.ItemsUpdated = 0
	next.RequestsUsed = 0
	next.StartedAt = next.StartedAt.UTC()

	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if expectedID != "" {
			res, err := s.cycles.UpdateOne(sc,
				bson.M{"_id": expectedID, "datasetId": next.DatasetID, "isCurrent": true},
				bson.M{"$set": bson.M{"isCurrent": false}})
			if err != nil {
				return err
			}
			if res.MatchedCount != 1 {
				return domain.ErrCurrentCycleChanged
			}
		}
		if _, err := s.cycles.InsertOne(sc, next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return domain.ErrCurrentCycleChanged
			}
			return err
		}
		return nil
	})
}

// MarkCycleComplete implements the cycle store interface.
func (s *MongoStore) MarkCycleComplete(ctx context.Context, cycleID string, at time.Time) (bool, error) {
	res, err := s.cycles.UpdateOne(ctx,
		bson.M{"_id": cycleID, "completedAt": nil},
		bson.M{"$set": bson.M{"completedAt": at.UTC()}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// CompletedItemIDs implements the cycle store interface.
func (s *MongoStore) CompletedItemIDs(ctx context.Context, cycleID string) ([]string, error) {
	records, err := s.ItemRecords(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ItemID
	}
	return ids, nil
}

// ItemRecords implements the cycle store interface.
func (s *MongoStore) ItemRecords(ctx context.Context, cycleID string) ([]domain.CycleItemRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "itemId", Value: 1}}).SetProjection(bson.M{"_id": 0})
	cursor, err := s.items.Find(ctx, bson.M{"cycleId": cycleID}, opts)
	if err != nil {
		return nil, err
	}
	var records []domain.CycleItemRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].UpdatedAt = records[i].UpdatedAt.UTC()
	}
	return records, nil
}

// CountItemRecords implements the cycle store interface.
func (s *MongoStore) CountItemRecords(ctx context.Context, cycleID string) (int, error) {
	n, err := s.items.CountDocuments(ctx, bson.M{"cycleId": cycleID})
	return int(n), err
}

// CommitBatch implements the cycle store interface.
func (s *MongoStore) CommitBatch(ctx context.Context, batch domain.BatchCommit) (int, error) {
	inserted := 0
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		inserted = 0
		if err := s.checkLease(sc, batch.Lease); err != nil {
			return err
		}
		if len(batch.Values) > 0 {
			valueModels := make([]mongo.WriteModel, len(batch.Values))
			recordModels := make([]mongo.WriteModel, len(batch.Values))
			for i, v := range batch.Values {
				v.FetchedAt = v.FetchedAt.UTC()
				valueModels[i] = mongo.NewUpdateOneModel().
					SetFilter(bson.M{"datasetId": v.DatasetID, "itemId": v.ItemID}).
					SetUpdate(bson.M{"$set": v}).
					SetUpsert(true)
				record := domain.CycleItemRecord{CycleID: batch.CycleID, ItemID: v.ItemID, UpdatedAt: batch.CommittedAt.UTC()}
				recordModels[i] = mongo.NewUpdateOneModel().
					SetFilter(bson.M{"cycleId": record.CycleID, "itemId": record.ItemID}).
					SetUpdate(bson.M{"$setOnInsert": record}).
					SetUpsert(true)
			}

			if _, err := s.values.BulkWrite(sc, valueModels); err != nil {
				return err
			}
			res, err := s.items.BulkWrite(sc, recordModels)
			if err != nil {
				return err
			}
			inserted = int(res.UpsertedCount)
		}

		if err := s.addCycleCounters(sc, batch.CycleID, inserted, batch.Entry.RequestsUsed); err != nil {
			return err
		}
		_, err := s.ledger.InsertOne(sc, normalizeEntry(batch.Entry))
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// RecordSpend implements the cycle store interface.
func (s *MongoStore) RecordSpend(ctx context.Context, cycleID string, lease *domain.LeaseFence, entry domain.QuotaLedgerEntry) error {
	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if err := s.checkLease(sc, lease); err != nil {
			return err
		}
		if err := s.addCycleCounters(sc, cycleID, 0, entry.RequestsUsed); err != nil {
			return err
		}
		_, err := s.ledger.InsertOne(sc, normalizeEntry(entry))
		return err
	})
}

// checkLease reads the lease inside the session's transaction.
func (s *MongoStore) checkLease(ctx context.Context, lease *domain.LeaseFence) error {
	if lease == nil {
		return nil
	}
	n, err := s.leases.CountDocuments(ctx, bson.M{
		"_id":       lease.DatasetID,
		"holder":    lease.Holder,
		"expiresAt": bson.M{"$gt": lease.At.UTC()},
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentRun
	}
	return nil
}

func (s *MongoStore) addCycleCounters(ctx context.Context, cycleID string, items, requests int) error {
	res, err := s.cycles.UpdateOne(ctx,
		bson.M{"_id": cycleID, "isCurrent": true},
		bson.M{"$inc": bson.M{"itemsUpdated": items, "requestsUsed": requests}})
	if err != nil {
		return err
	}
	if res.MatchedCount != 1 {
		return domain.ErrCycleNotCurrent
	}
	return nil
}

func normalizeEntry(e domain.QuotaLedgerEntry) domain.QuotaLedgerEntry {
	e.RecordedAt = e.RecordedAt.UTC()
	return e
}

// AppendLedgerEntry implements the quota ledger interface.
func (s *MongoStore) AppendLedgerEntry(ctx context.Context, entry domain.QuotaLedgerEntry) error {
	_, err := s.ledger.InsertOne(ctx, normalizeEntry(entry))
	return err
}

// LedgerUsage implements the quota ledger interface.
func (s *MongoStore) LedgerUsage(ctx context.Context, date, scope string) (int, int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"date": date, "scope": scope}}},
		{{Key: "$group", Value: bson.M{
			"_id":      nil,
			"requests": bson.M{"$sum": "$requestsUsed"},
			"items":    bson.M{"$sum": "$itemsCount"},
		}}},
	}
	cursor, err := s.ledger.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, 0, err
	}
	var totals []struct {
		Requests int `bson:"requests"`
		Items    int `bson:"items"`
	}
	if err := cursor.All(ctx, &totals); err != nil {
		return 0, 0, err
	}
	if len(totals) == 0 {
		return 0, 0, nil
	}
	return totals[0].Requests, totals[0].Items, nil
}

// LedgerEntries implements the quota ledger interface.
func (s *MongoStore) LedgerEntries(ctx context.Context, date, scope string) ([]domain.QuotaLedgerEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recordedAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.ledger.Find(ctx, bson.M{"date": date, "scope": scope}, opts)
	if err != nil {
		return nil, err
	}
	var entries []domain.QuotaLedgerEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].RecordedAt = entries[i].RecordedAt.UTC()
	}
	return entries, nil
}

// LatestPeriods implements the item value interface.
func (s *MongoStore) LatestPeriods(ctx context.Context, datasetID string, itemIDs []string) (map[string]string, error) {
	periods := make(map[string]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return periods, nil
	}
	opts := options.Find().SetProjection(bson.M{"itemId": 1, "period": 1})
	cursor, err := s.values.Find(ctx, bson.M{"datasetId": datasetID, "itemId": bson.M{"$in": itemIDs}}, opts)
	if err != nil {
		return nil, err
	}
	var values []domain.ItemValue
	if err := cursor.All(ctx, &values); err != nil {
		return nil, err
	}
	for _, v := range values {
		periods[v.ItemID] = v.Period
	}
	return periods, nil
}

// ItemValue implements the item value interface.
func (s *MongoStore) ItemValue(ctx context.Context, datasetID, itemID string) (*domain.ItemValue, error) {
	var v domain.ItemValue
	err := s.values.FindOne(ctx, bson.M{"datasetId": datasetID, "itemId": itemID}).Decode(&v)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	v.FetchedAt = v.FetchedAt.UTC()
	return &v, nil
}

// AcquireLease implements the lease interface. A lease held by someone else
// makes the upsert collide on _id.
func (s *MongoStore) AcquireLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error {
	filter := bson.M{
		"_id": datasetID,
		"$or": bson.A{
			bson.M{"expiresAt": bson.M{"$lte": now.UTC()}},
			bson.M{"holder": holder},
		},
	}
	update := bson.M{"$set": bson.M{"holder": holder, "expiresAt": now.Add(ttl).UTC()}}
	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrConcurrentRun
	}
	return err
}

// RenewLease implements the lease interface.
func (s *MongoStore) RenewLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error {
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": datasetID, "holder": holder},
		bson.M{"$set": bson.M{"expiresAt": now.Add(ttl).UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrConcurrentRun
	}
	return nil
}

// ReleaseLease implements the lease interface.
func (s *MongoStore) ReleaseLease(ctx context.Context, datasetID, holder string) error {
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": datasetID, "holder": holder})
	return err
}

// Close disconnects the underlying client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
