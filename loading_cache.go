package dataloader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/absinthe-graphql/dataloader/internal/runner"
	"github.com/absinthe-graphql/dataloader/telemetry"
)

// Loader is the outer value that owns a set of named sources, orchestrates
// concurrent batch execution, and enforces the result-access policy (§3.1).
// Every public operation returns a new Loader value derived from the
// previous one; Loader itself never mutates a value a caller still holds a
// reference to (the teacher's "value semantics with concurrent backing"
// design note, §9).
type Loader struct {
	sources map[string]Source

	// runErrs records, per source name, the reason the most recent Run call
	// failed for that whole source (timeout, panic, or the source's own Run
	// returning a non-nil error). It is consulted only for items that Fetch
	// reports as unresolved; an item already resolved (via Put, or a prior
	// successful Run) is never shadowed by it. Each Run call updates the
	// entries of the sources it ran and keeps the others, so a later
	// successful run of that source (or AddSource under its name) clears it.
	runErrs map[string]error

	opts loaderOptions
}

var runIDCounter atomic.Uint64

// New creates a fresh Loader with no sources registered.
func New(opts ...Option) Loader {
	o := defaultLoaderOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	return Loader{
		sources: map[string]Source{},
		runErrs: map[string]error{},
		opts:    o,
	}
}

// AddSource registers src under name, overwriting any source previously
// registered under the same name (§4.3).
func (l Loader) AddSource(name string, src Source) Loader {
	next := l.cloneState()
	next.sources[name] = src
	delete(next.runErrs, name)
	return next
}

// Load enqueues a single item under batch in the named source (§4.3). It
// fails immediately if name is not registered — misuse is never deferred to
// Run (§7.4).
func (l Loader) Load(name string, batch BatchKey, item ItemKey) (Loader, error) {
	src, ok := l.sources[name]
	if !ok {
		return l, unknownSourceErr(name)
	}
	next := l.cloneState()
	next.sources[name] = src.Load(batch, item)
	return next, nil
}

// LoadMany enqueues every item in items under batch in the named source.
func (l Loader) LoadMany(name string, batch BatchKey, items []ItemKey) (Loader, error) {
	src, ok := l.sources[name]
	if !ok {
		return l, unknownSourceErr(name)
	}
	for _, item := range items {
		src = src.Load(batch, item)
	}
	next := l.cloneState()
	next.sources[name] = src
	return next, nil
}

// Put seeds the cache for one item without going through Run (§4.3, cache
// warming). A later Run's own result for the same item takes precedence
// (last-writer-wins), consistent with Load's re-queue-on-error rule.
func (l Loader) Put(name string, batch BatchKey, item ItemKey, value any) (Loader, error) {
	src, ok := l.sources[name]
	if !ok {
		return l, unknownSourceErr(name)
	}
	next := l.cloneState()
	next.sources[name] = src.Put(batch, item, value)
	return next, nil
}

// PendingBatches reports whether any registered source has pending,
// unresolved batches.
func (l Loader) PendingBatches() bool {
	for _, src := range l.sources {
		if src.PendingBatches() {
			return true
		}
	}
	return false
}

// Get reads one item, shaped by the loader's GetPolicy (§4.3, §4.6).
func (l Loader) Get(name string, batch BatchKey, item ItemKey) (any, error) {
	src, ok := l.sources[name]
	if !ok {
		return nil, unknownSourceErr(name)
	}

	res := src.Fetch(batch, item)
	if !res.Ok() && isLookupFailure(res.Err) {
		if runErr, ok := l.runErrs[name]; ok {
			res = ErrResult(&BatchError{Source: name, Batch: batch, Err: runErr})
		}
	}

	v, err := l.opts.getPolicy.apply(name, batch, item, res)
	if err == nil && v != nil {
		v = l.opts.cloner.CloneValue(v)
	}
	return v, err
}

// GetMany applies Get element-wise; output position i corresponds to input
// position i (§4.3, P5).
func (l Loader) GetMany(name string, batch BatchKey, items []ItemKey) ([]any, []error) {
	values := make([]any, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		values[i], errs[i] = l.Get(name, batch, item)
	}
	return values, errs
}

// sourceRunOutcome is the value produced by driving one source's Run through
// the async runner.
type sourceRunOutcome struct {
	source Source
	err    error
}

// Run materializes every pending batch across every registered source
// (§4.3). If nothing is pending it returns the loader unchanged — no
// telemetry span is emitted for a no-op run.
func (l Loader) Run(ctx context.Context) Loader {
	pending := make([]string, 0, len(l.sources))
	for name, src := range l.sources {
		if src.PendingBatches() {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return l
	}

	runID := fmt.Sprintf("run-%d", runIDCounter.Add(1))
	start := l.opts.clock.Now()
	l.opts.telemetry.SourceRunStart(telemetry.StartEvent{ID: runID, SystemTime: start})

	timeout := l.effectiveTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var asyncUnits, syncUnits []runner.Unit[sourceRunOutcome]
	for _, name := range pending {
		name := name
		src := l.sources[name]
		unit := runner.Unit[sourceRunOutcome]{
			Name:    name,
			Timeout: timeout,
			Run: func(ctx context.Context) (sourceRunOutcome, error) {
				newSrc, err := src.Run(ctx)
				return sourceRunOutcome{source: newSrc, err: err}, nil
			},
		}
		if src.Async() {
			asyncUnits = append(asyncUnits, unit)
		} else {
			syncUnits = append(syncUnits, unit)
		}
	}

	next := l.cloneState()
	apply := func(outcomes map[string]runner.Outcome[sourceRunOutcome]) {
		for name, out := range outcomes {
			switch {
			case out.Err != nil:
				// The runner itself isolated a panic, a timeout, or a
				// cancellation before the source could report anything;
				// keep the source's last-known value and remember why its
				// still-pending items should now read as errors.
				reason := translateRunnerErr(out.Err)
				if errors.Is(reason, ErrTimeout) {
					l.opts.logger.Warn("dataloader: source run timed out", zap.String("source", name))
				} else {
					l.opts.logger.Error("dataloader: source run recovered from panic", zap.String("source", name), zap.Error(reason))
				}
				next.runErrs[name] = reason
			case out.Value.err != nil:
				next.sources[name] = out.Value.source
				next.runErrs[name] = out.Value.err
			default:
				next.sources[name] = out.Value.source
				delete(next.runErrs, name)
			}
		}
	}

	// Sequential sources run at a concurrency cap of one: they never overlap
	// each other's execution window, which is what running "in the caller's
	// context" protects (store-side transactional affinity) — not literally
	// zero goroutines, which per-unit deadline enforcement precludes (see
	// internal/runner's doc comment on forced termination).
	if len(syncUnits) > 0 {
		apply(runner.Run(runCtx, syncUnits, 1))
	}
	if len(asyncUnits) > 0 {
		apply(runner.Run(runCtx, asyncUnits, 0))
	}

	stop := l.opts.clock.Now()
	l.opts.telemetry.SourceRunStop(telemetry.StopEvent{ID: runID, DurationMonotonic: stop.Sub(start)})
	return next
}

func (l Loader) effectiveTimeout() time.Duration {
	if l.opts.hasTimeout {
		return l.opts.timeout
	}

	var max time.Duration
	found := false
	for _, src := range l.sources {
		if d, ok := src.Timeout(); ok {
			found = true
			if d > max {
				max = d
			}
		}
	}
	if found {
		return max + time.Second
	}
	return defaultTimeoutFloor
}

func (l Loader) cloneState() Loader {
	sources := make(map[string]Source, len(l.sources))
	for k, v := range l.sources {
		sources[k] = v
	}
	runErrs := make(map[string]error, len(l.runErrs))
	for k, v := range l.runErrs {
		runErrs[k] = v
	}
	return Loader{sources: sources, runErrs: runErrs, opts: l.opts}
}

func unknownSourceErr(name string) error {
	return &MisuseError{Err: fmt.Errorf("%w: %q", ErrUnknownSource, name)}
}

func isLookupFailure(err error) bool {
	return errors.Is(err, ErrBatchNotFound) || errors.Is(err, ErrItemNotFound)
}

func translateRunnerErr(err error) error {
	if errors.Is(err, runner.ErrTimeout) {
		return ErrTimeout
	}
	return err
}
