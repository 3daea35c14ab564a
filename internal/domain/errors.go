package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded means the daily request ceiling has been reached.
	// It is an expected stop condition, not a failure.
	ErrQuotaExceeded = errors.New("daily request quota exceeded")

	// ErrConcurrentRun means another run holds the dataset's lease.
	ErrConcurrentRun = errors.New("another run holds the dataset lease")

	// ErrCurrentCycleChanged means a compare-and-set on the dataset's current
	// cycle lost against a concurrent writer.
	ErrCurrentCycleChanged = errors.New("current cycle changed concurrently")

	// ErrCycleNotCurrent means a batch was committed against a superseded cycle.
	ErrCycleNotCurrent = errors.New("cycle is no longer current")

	// ErrCycleIncomplete is returned when completing a cycle that still has items left.
	ErrCycleIncomplete = errors.New("cycle still has remaining items")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

// FetchError wraps a failure reported by the external catalog.
type FetchError struct {
	DatasetID string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.DatasetID, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a fetch failure worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

// PersistenceError wraps a store failure that aborts the current run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
