package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"catalog-sync/internal/config"
	"catalog-sync/internal/domain"
)

// Store is the full persistence surface shared by every backend.
type Store interface {
	CurrentCycle(ctx context.Context, datasetID string) (*domain.UpdateCycle, error)
	GetCycle(ctx context.Context, cycleID string) (*domain.UpdateCycle, error)
	ListCycles(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error)
	ReplaceCurrentCycle(ctx context.Context, expectedID string, next domain.UpdateCycle) error
	MarkCycleComplete(ctx context.Context, cycleID string, at time.Time) (bool, error)

	CompletedItemIDs(ctx context.Context, cycleID string) ([]string, error)
	ItemRecords(ctx context.Context, cycleID string) ([]domain.CycleItemRecord, error)
	CountItemRecords(ctx context.Context, cycleID string) (int, error)
	CommitBatch(ctx context.Context, batch domain.BatchCommit) (int, error)
	RecordSpend(ctx context.Context, cycleID string, lease *domain.LeaseFence, entry domain.QuotaLedgerEntry) error

	AppendLedgerEntry(ctx context.Context, entry domain.QuotaLedgerEntry) error
	LedgerUsage(ctx context.Context, date, scope string) (int, int, error)
	LedgerEntries(ctx context.Context, date, scope string) ([]domain.QuotaLedgerEntry, error)

	LatestPeriods(ctx context.Context, datasetID string, itemIDs []string) (map[string]string, error)
	ItemValue(ctx context.Context, datasetID, itemID string) (*domain.ItemValue, error)

	AcquireLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error
	RenewLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, datasetID, holder string) error

	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MongoStore)(nil)
)

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, 0)
	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		store, err := NewMongoStore(ctx, client.Database(cfg.MongoDatabase))
		if err != nil {
			client.Disconnect(ctx)
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
