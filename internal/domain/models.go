// Path: internal/domain/models.go
package domain

import (
	"time"
)

// GlobalScope is the ledger scope shared by every dataset.
const GlobalScope = "*"

// LedgerDateLayout is the layout of QuotaLedgerEntry.Date. Dates are UTC.
const LedgerDateLayout = "2006-01-02"

// LedgerDate returns the ledger key for the day containing t.
func LedgerDate(t time.Time) string {
	return t.UTC().Format(LedgerDateLayout)
}

// --- Update cycles ---

// CycleState is the derived state of an UpdateCycle.
type CycleState string

const (
	// CycleActiveIncomplete is a current cycle that still has items to update.
	CycleActiveIncomplete CycleState = "ACTIVE_INCOMPLETE"
	// CycleActiveComplete is a current cycle whose items were all updated.
	CycleActiveComplete CycleState = "ACTIVE_COMPLETE"
	// CycleSuperseded is a cycle replaced by a newer current cycle.
	CycleSuperseded CycleState = "SUPERSEDED"
)

// UpdateCycle represents one attempted full pass over a dataset's active items.
// It includes struct tags for JSON serialization and BSON mapping for MongoDB.
type UpdateCycle struct {
	ID           string     `json:"id" bson:"_id"`
	DatasetID    string     `json:"datasetId" bson:"datasetId"`
	IsCurrent    bool       `json:"isCurrent" bson:"isCurrent"`
	StartedAt    time.Time  `json:"startedAt" bson:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt" bson:"completedAt"`
	TotalItems   int        `json:"totalItems" bson:"totalItems"`
	ItemsUpdated int        `json:"itemsUpdated" bson:"itemsUpdated"`
	RequestsUsed int        `json:"requestsUsed" bson:"requestsUsed"`
}

// IsComplete reports whether the cycle has a completion timestamp.
func (c UpdateCycle) IsComplete() bool {
	return c.CompletedAt != nil
}

// State derives the cycle's position in the lifecycle.
func (c UpdateCycle) State() CycleState {
	switch {
	case !c.IsCurrent:
		return CycleSuperseded
	case c.IsComplete():
		return CycleActiveComplete
	default:
		return CycleActiveIncomplete
	}
}

// CycleItemRecord is evidence that one item was updated within one cycle.
type CycleItemRecord struct {
	CycleID   string    `json:"cycleId" bson:"cycleId"`
	ItemID    string    `json:"itemId" bson:"itemId"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// --- Quota ledger ---

// QuotaLedgerEntry is an immutable record of requests consumed on a date.
type QuotaLedgerEntry struct {
	ID           string    `json:"id" bson:"_id"`
	Date         string    `json:"date" bson:"date"`
	Scope        string    `json:"scope" bson:"scope"`
	DatasetID    string    `json:"datasetId" bson:"datasetId"`
	RequestsUsed int       `json:"requestsUsed" bson:"requestsUsed"`
	ItemsCount   int       `json:"itemsCount" bson:"itemsCount"`
	RecordedAt   time.Time `json:"recordedAt" bson:"recordedAt"`
}

// QuotaUsage is the consumption of one (date, scope) ledger partition.
type QuotaUsage struct {
	Date         string `json:"date"`
	Scope        string `json:"scope"`
	Limit        int    `json:"limit"`
	RequestsUsed int    `json:"requestsUsed"`
	ItemsCount   int    `json:"itemsCount"`
	Remaining    int    `json:"remaining"`
}

// --- Item values ---

// ItemValue is the latest value fetched for a catalog item.
// Period must sort lexicographically, e.g. "2024-06" or "2024-Q2".
type ItemValue struct {
	DatasetID string    `json:"datasetId" bson:"datasetId"`
	ItemID    string    `json:"itemId" bson:"itemId"`
	Period    string    `json:"period" bson:"period"`
	Value     string    `json:"value" bson:"value"`
	FetchedAt time.Time `json:"fetchedAt" bson:"fetchedAt"`
}

// FetchResult is one item as returned by the external catalog.
type FetchResult struct {
	ItemID string `json:"id"`
	Period string `json:"period"`
	Value  string `json:"value"`
}

// BatchCommit is everything persisted for one successfully fetched batch.
// A store applies it in a single transaction.
type BatchCommit struct {
	CycleID     string
	Values      []ItemValue
	Entry       QuotaLedgerEntry
	CommittedAt time.Time
	// Lease, when set, must still be live inside the transaction or nothing
	// is written and the store returns ErrConcurrentRun.
	Lease *LeaseFence
}

// LeaseFence names the lease a write depends on: the holder must still own
// the dataset's lease and it must not have expired at At.
type LeaseFence struct {
	DatasetID string
	Holder    string
	At        time.Time
}

// RunLease is the per-dataset single-writer claim.
type RunLease struct {
	DatasetID string    `json:"datasetId" bson:"_id"`
	Holder    string    `json:"holder" bson:"holder"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expiresAt"`
}

// --- Run and freshness results ---

// StopReason explains why a pipeline run ended.
type StopReason string

const (
	StopQuota    StopReason = "quota"
	StopComplete StopReason = "complete"
	StopError    StopReason = "error"
	// StopCancelled means an external stop signal was honoured at a batch boundary.
	StopCancelled StopReason = "stopped"
)

// RunResult is the user-visible outcome of one pipeline run.
type RunResult struct {
	DatasetID           string     `json:"datasetId"`
	CycleID             string     `json:"cycleId"`
	ItemsUpdatedThisRun int        `json:"itemsUpdatedThisRun"`
	RequestsUsedThisRun int        `json:"requestsUsedThisRun"`
	BatchesSkipped      int        `json:"batchesSkipped"`
	StoppedReason       StopReason `json:"stoppedReason"`
	CycleComplete       bool       `json:"cycleComplete"`
	Error               string     `json:"error,omitempty"`
}

// CycleStatus is the snapshot returned by the status capability.
// Cycle is nil when the dataset has never been updated.
type CycleStatus struct {
	DatasetID string       `json:"datasetId"`
	State     CycleState   `json:"state,omitempty"`
	Cycle     *UpdateCycle `json:"cycle"`
}

// FreshnessSample is the transient result of one staleness check.
// HasNewData is nil when the check could not reach a verdict.
type FreshnessSample struct {
	DatasetID          string    `json:"datasetId"`
	SampledAt          time.Time `json:"sampledAt"`
	SampleSize         int       `json:"sampleSize"`
	LocalLatestPeriod  string    `json:"localLatest"`
	RemoteLatestPeriod string    `json:"remoteLatest"`
	HasNewData         *bool     `json:"hasNewData"`
	Error              string    `json:"error,omitempty"`
}

// IsStale reports whether the sample positively detected new data.
func (s FreshnessSample) IsStale() bool {
	return s.HasNewData != nil && *s.HasNewData
}
