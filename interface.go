// Package dataloader is a request-coalescing data-loading core. Callers
// enqueue many small load requests scattered across a computation; a single
// Run groups requests that target the same batch and issues one bulk fetch
// per batch per source. Results are memoized for the lifetime of the Loader.
package dataloader

import (
	"context"
	"time"
)

// BatchKey identifies a pending batch within a single source. It must be
// comparable; sources that build structured batch keys (e.g. relsource) do
// so with plain structs of comparable fields.
type BatchKey = any

// ItemKey identifies one item within a batch. It must be comparable.
type ItemKey = any

// Result is the outcome of resolving one item: either a value or a reason it
// could not be resolved. A Result with a non-nil Err is never also treated
// as a value by callers; Get/GetMany route it through the access policy.
type Result struct {
	Value any
	Err   error
}

// Ok reports whether the result resolved successfully.
func (r Result) Ok() bool { return r.Err == nil }

// OkResult builds a successful Result.
func OkResult(v any) Result { return Result{Value: v} }

// ErrResult builds a failed Result.
func ErrResult(err error) Result { return Result{Err: err} }

// Source is the capability interface every backend satisfies (§4.1). A
// Source is a value: Load and Put return a new Source reflecting the
// requested change without mutating the receiver, so a Loader can hand out
// its current source map without aliasing hazards. Run is the only method
// that performs I/O; it returns a new, materialized Source.
type Source interface {
	// Load queues item under batch unless it is already resolved as
	// {ok,_}. Re-queues if it previously resolved as {error,_}. Returns the
	// source value reflecting the change.
	Load(batch BatchKey, item ItemKey) Source

	// Put writes {ok, value} directly into results, bypassing Run
	// (cache warming). Implementations may reject sentinel "not loaded"
	// placeholders by making this a no-op.
	Put(batch BatchKey, item ItemKey, value any) Source

	// Run drains every pending batch, executes the backend fetch(es), and
	// returns a new Source with results populated and batches emptied. A
	// whole-source failure is returned as the second value; callers must
	// still use the returned Source. It need not hold any result for the
	// items that were pending; Loader reports those items as failed with the
	// returned error.
	Run(ctx context.Context) (Source, error)

	// Fetch returns the resolved outcome for one item. It returns a lookup
	// error if the batch was never loaded, or if the batch was loaded but
	// the item is absent from it.
	Fetch(batch BatchKey, item ItemKey) Result

	// PendingBatches reports whether any batch currently holds queued,
	// unresolved items.
	PendingBatches() bool

	// Timeout returns the source's own deadline for Run, if any.
	Timeout() (time.Duration, bool)

	// Async declares whether this source may run concurrently with other
	// sources during a Loader.Run.
	Async() bool
}
