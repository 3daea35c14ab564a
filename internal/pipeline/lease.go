package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"catalog-sync/internal/domain"
)

// Leases persists the per-dataset single-writer claim.
type Leases interface {
	AcquireLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error
	RenewLease(ctx context.Context, datasetID, holder string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, datasetID, holder string) error
}

// Claim is a held dataset lease. It expires on its own if the holder dies.
type Claim struct {
	leases    Leases
	datasetID string
	holder    string
	ttl       time.Duration
	now       func() time.Time
}

// DatasetID is the dataset the claim covers.
func (c *Claim) DatasetID() string { return c.datasetID }

// Renew pushes the expiry out by another TTL. It fails with
// domain.ErrConcurrentRun if the lease was lost.
func (c *Claim) Renew(ctx context.Context) error {
	return c.leases.RenewLease(ctx, c.datasetID, c.holder, c.now(), c.ttl)
}

// fence ties a write to this claim still being live at now.
func (c *Claim) fence(now time.Time) *domain.LeaseFence {
	return &domain.LeaseFence{DatasetID: c.datasetID, Holder: c.holder, At: now}
}

// Release gives the lease up.
func (c *Claim) Release(ctx context.Context) error {
	return c.leases.ReleaseLease(ctx, c.datasetID, c.holder)
}

func acquire(ctx context.Context, leases Leases, datasetID string, ttl time.Duration, now func() time.Time) (*Claim, error) {
	c := &Claim{
		leases:    leases,
		datasetID: datasetID,
		holder:    uuid.NewString(),
		ttl:       ttl,
		now:       now,
	}
	if err := leases.AcquireLease(ctx, datasetID, c.holder, now(), ttl); err != nil {
		return nil, err
	}
	return c, nil
}
