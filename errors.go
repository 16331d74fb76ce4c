package dataloader

import (
	"errors"
	"fmt"
)

// Sentinel errors, following the teacher's storage/errors.go convention of
// package-level errors rather than ad-hoc fmt.Errorf strings at call sites.
var (
	// ErrUnknownSource is returned when an operation names a source that was
	// never registered with AddSource.
	ErrUnknownSource = errors.New("dataloader: unknown source")

	// ErrTimeout is the reason recorded when a unit (a source's Run, or a
	// batch within a source) is forcibly torn down after exceeding its
	// deadline.
	ErrTimeout = errors.New("dataloader: timeout")

	// ErrBatchNotFound is returned by Fetch when the batch was never loaded.
	ErrBatchNotFound = errors.New("dataloader: unable to find batch")

	// ErrItemNotFound is returned by Fetch when the batch was loaded but the
	// item key is absent from it.
	ErrItemNotFound = errors.New("dataloader: unable to find item")

	// ErrMultipleResults is returned when a cardinality-one schema query
	// matches more than one row.
	ErrMultipleResults = errors.New("dataloader: multiple results for cardinality one")

	// ErrNotAssociation is returned when a batch key names an association
	// field the item's schema does not declare.
	ErrNotAssociation = errors.New("dataloader: not an association")

	// ErrNotRecord is returned when a non-record value is supplied where a
	// parent record is required (association batch keys).
	ErrNotRecord = errors.New("dataloader: not a record")

	// ErrAmbiguousCardinality is returned when an item key names a
	// non-primary-key column without an explicit cardinality.
	ErrAmbiguousCardinality = errors.New("dataloader: non-primary-key lookup requires explicit cardinality")

	// ErrNotSchema names the misuse of a queryable that is not backed by a
	// schema. No operation in this module returns it: relsource builds every
	// Queryable itself from a schema.
	ErrNotSchema = errors.New("dataloader: queryable is not a schema")
)

// LookupError is a read-time failure: the batch or item was never loaded.
type LookupError struct {
	Batch BatchKey
	Item  ItemKey
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dataloader: %v (batch=%v item=%v)", e.Err, e.Batch, e.Item)
}

func (e *LookupError) Unwrap() error { return e.Err }

// BatchError is a source-level failure during Run: an exception, a
// cancellation, or a timeout. It replaces the result for every item that was
// pending under Batch (or, when Batch is nil, every item pending in the
// whole source) at the time of failure.
type BatchError struct {
	Source string
	Batch  BatchKey
	Err    error
}

func (e *BatchError) Error() string {
	if e.Batch == nil {
		return fmt.Sprintf("dataloader: source %q failed: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("dataloader: source %q batch %v failed: %v", e.Source, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// GetFailure is the error raised by Get under the raise_on_error policy.
type GetFailure struct {
	Source string
	Batch  BatchKey
	Item   ItemKey
	Err    error
}

func (e *GetFailure) Error() string {
	return fmt.Sprintf("dataloader: get failed for source %q batch %v item %v: %v", e.Source, e.Batch, e.Item, e.Err)
}

func (e *GetFailure) Unwrap() error { return e.Err }

// MisuseError is a call-site failure: an unknown source, an invalid batch-key
// shape, a non-record value where a record is required, or a queryable that
// isn't a schema. Misuse fails immediately, never deferred to Run.
type MisuseError struct {
	Err error
}

func (e *MisuseError) Error() string { return fmt.Sprintf("dataloader: misuse: %v", e.Err) }

func (e *MisuseError) Unwrap() error { return e.Err }
