// Package runner is the async runner (§4.2): bounded-concurrency execution
// of independent units under an upper time bound, with per-unit isolation
// so one unit's panic, error, or timeout never takes down its siblings or
// the caller. It is invoked from two sites: the loader running multiple
// sources in parallel, and a source running its own internal batches in
// parallel.
//
// The scheduling pool is adapted from the teacher's dependency on
// sourcegraph/conc (internal/panicutil already wraps conc/panics); here we
// go one level up and use conc/pool for the bounded worker pool itself. The
// select-between-result-and-ctx.Done pattern that enforces a per-unit
// deadline is adapted from the teacher's internal/ctxsync, which does the
// same thing to make a sync.Cond/sync.Locker wait context-aware.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/absinthe-graphql/dataloader/internal/panicutil"
)

// ErrTimeout is the reason recorded for a unit that was torn down after
// exceeding its deadline (§4.2, §7.3). Callers translate it to their own
// public timeout sentinel (dataloader.ErrTimeout) so this package stays
// free of a dependency on the root package.
var ErrTimeout = errors.New("runner: unit exceeded its deadline")

// ErrCancelled is the reason recorded for a unit that never ran because the
// parent context was already done when Run considered scheduling it, and for
// a unit without its own Timeout whose parent context ends while it runs.
var ErrCancelled = errors.New("runner: cancelled before scheduling")

// Outcome is the result of running a single unit.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Unit is one independently schedulable piece of work, keyed by Name so the
// result map can be matched back to its input (§4.2: "the returned mapping
// preserves input identity").
type Unit[T any] struct {
	Name    string
	Timeout time.Duration // zero means no per-unit deadline
	Run     func(ctx context.Context) (T, error)
}

// Run executes units with at most maxConcurrency running at once
// (maxConcurrency <= 0 means unbounded). Cancelling ctx tears down every
// in-flight unit promptly: units that have not yet started are skipped and
// reported as ErrCancelled; a unit already running observes ctx
// cancellation through the context passed to its Run function.
//
// A unit's panic is recovered and reported as its Outcome.Err; it never
// propagates to Run's caller or to sibling units.
func Run[T any](ctx context.Context, units []Unit[T], maxConcurrency int) map[string]Outcome[T] {
	results := make(map[string]Outcome[T], len(units))
	if len(units) == 0 {
		return results
	}

	resultCh := make(chan namedOutcome[T], len(units))

	p := pool.New()
	if maxConcurrency > 0 {
		p = p.WithMaxGoroutines(maxConcurrency)
	}
	for _, u := range units {
		u := u
		if ctx.Err() != nil {
			resultCh <- namedOutcome[T]{name: u.Name, outcome: Outcome[T]{Err: ErrCancelled}}
			continue
		}
		p.Go(func() {
			resultCh <- namedOutcome[T]{name: u.Name, outcome: runUnit(ctx, u)}
		})
	}
	p.Wait()
	close(resultCh)

	for no := range resultCh {
		results[no.name] = no.outcome
	}
	return results
}

type namedOutcome[T any] struct {
	name    string
	outcome Outcome[T]
}

// runUnit drives a single unit under its own deadline (if any), recovering
// panics via the teacher's double-defer-sandwich so a bad unit never reaches
// conc's pool as a raw panic.
func runUnit[T any](ctx context.Context, u Unit[T]) Outcome[T] {
	uctx := ctx
	var cancel context.CancelFunc
	if u.Timeout > 0 {
		uctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	done := make(chan Outcome[T], 1)
	go func() {
		var out Outcome[T]
		if err := panicutil.DDS(func() error {
			v, err := u.Run(uctx)
			out.Value, out.Err = v, err
			return nil
		}); err != nil {
			out.Err = err
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-uctx.Done():
		// The unit exceeded its deadline or the parent was cancelled. We do
		// not wait for the goroutine above to finish observing cancellation
		// — Go has no forced-termination primitive, so "forcibly terminated"
		// means the caller stops waiting on it, not that it is killed; the
		// goroutine itself is expected to return soon after uctx.Done()
		// fires because u.Run is expected to respect ctx the way every
		// other blocking operation in this module does.
		if ctx.Err() != nil && u.Timeout == 0 {
			return Outcome[T]{Err: ErrCancelled}
		}
		return Outcome[T]{Err: ErrTimeout}
	}
}
