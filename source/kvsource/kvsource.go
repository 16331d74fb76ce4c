// Package kvsource is the key/value reference source (§3.3, §4.5): a
// generic batch-function backend with per-batch-key deduplication. It is
// grounded on the teacher's source.GetMultiFunctionSource adapter — a single
// function that resolves many keys at once — generalized from a
// single-purpose KeyConstraint/ValueConstraint pair to the loader's `any`
// batch/item keys, and wired to the async runner so distinct batch keys
// registered on the same source fetch concurrently.
package kvsource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	dataloader "github.com/absinthe-graphql/dataloader"
	"github.com/absinthe-graphql/dataloader/internal/runner"
	"github.com/absinthe-graphql/dataloader/internal/shardmap"
	"github.com/absinthe-graphql/dataloader/telemetry"
)

// FetchFunc bulk-resolves every item queued under one batch key (§3.3). A
// non-nil error is a whole-batch failure: every queued item under batch
// reads as that error. A nil error with an item key missing from the
// returned map leaves that item as a lookup failure — the backend reported
// nothing for it.
type FetchFunc func(ctx context.Context, batch dataloader.BatchKey, items []dataloader.ItemKey) (map[dataloader.ItemKey]any, error)

// Option configures a Source, following the teacher's functional-options
// pattern.
type Option interface {
	apply(*Source)
}

type optionFunc func(*Source)

func (f optionFunc) apply(s *Source) { f(s) }

// WithTimeout sets the source's own deadline for Run (§6 recognized source
// options).
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(s *Source) {
		s.timeout = d
		s.hasTimeout = true
	})
}

// WithMaxConcurrency bounds how many distinct batch keys this source
// resolves in parallel during Run. Defaults to 2 x GOMAXPROCS-equivalent
// parallelism when unset (§6); pass a negative value for unbounded.
func WithMaxConcurrency(n int) Option {
	return optionFunc(func(s *Source) { s.maxConcurrency = n })
}

// WithAsync declares whether the loader may run this source concurrently
// with its siblings (§4.1 async?).
func WithAsync(async bool) Option {
	return optionFunc(func(s *Source) { s.async = async })
}

// WithClock overrides the clock used to stamp telemetry spans.
func WithClock(clock dataloader.Clock) Option {
	return optionFunc(func(s *Source) {
		if clock != nil {
			s.clock = clock
		}
	})
}

// WithTelemetry attaches a span-boundary consumer for this source's
// per-batch spans (§6).
func WithTelemetry(hook telemetry.Hook) Option {
	return optionFunc(func(s *Source) {
		if hook != nil {
			s.telemetry = hook
		}
	})
}

var batchSpanCounter atomic.Uint64

// Source is the key/value reference source. The zero value is not usable;
// construct with New.
type Source struct {
	fetch          FetchFunc
	maxConcurrency int
	timeout        time.Duration
	hasTimeout     bool
	async          bool
	clock          dataloader.Clock
	telemetry      telemetry.Hook

	batches map[any]map[any]struct{}

	// results holds one sharded map per batch key, adapted from the
	// teacher's memstorage bucket-sharding (internal/shardmap) so a batch
	// with many items spreads its result lookups across shards rather than
	// contending on a single map. Put/Run replace a batch's shardmap
	// wholesale via Clone rather than mutating one a prior Source value
	// still holds a reference to.
	results map[any]*shardmap.Map[dataloader.Result]
}

var _ dataloader.Source = Source{}

// New builds a Source backed by fetch. async defaults to true: a KV backend
// has no inherent reason to serialize against its siblings the way a
// connection-pinned relational source does.
func New(fetch FetchFunc, opts ...Option) Source {
	s := Source{
		fetch:     fetch,
		async:     true,
		clock:     dataloader.SystemClock,
		telemetry: telemetry.NopHook{},
		batches:   map[any]map[any]struct{}{},
		results:   map[any]*shardmap.Map[dataloader.Result]{},
	}
	for _, opt := range opts {
		opt.apply(&s)
	}
	if s.maxConcurrency == 0 {
		s.maxConcurrency = 2 * runtime.GOMAXPROCS(0)
	}
	return s
}

// cloneResultsFor returns a copy-on-write shardmap for batch: a clone of the
// existing one if present, or a fresh one otherwise. The caller stores it
// back under a freshly copied outer results map.
func (s Source) cloneResultsFor(batch any) *shardmap.Map[dataloader.Result] {
	if existing, ok := s.results[batch]; ok {
		return existing.Clone()
	}
	return shardmap.New[dataloader.Result](shardmap.DefaultShards)
}

// Load queues item under batch unless it already resolved {ok,_} (§3.2, P1).
func (s Source) Load(batch, item any) dataloader.Source {
	if r, ok := s.results[batch]; ok {
		if res, ok := r.Get(item); ok && res.Ok() {
			return s
		}
	}
	next := s
	nb := make(map[any]map[any]struct{}, len(s.batches))
	for k, v := range s.batches {
		nb[k] = v
	}
	old := nb[batch]
	set := make(map[any]struct{}, len(old)+1)
	for k := range old {
		set[k] = struct{}{}
	}
	set[item] = struct{}{}
	nb[batch] = set
	next.batches = nb
	return next
}

// Put writes {ok,value} directly, bypassing Run (§3.2 cache warming).
func (s Source) Put(batch, item, value any) dataloader.Source {
	next := s
	nr := make(map[any]*shardmap.Map[dataloader.Result], len(s.results))
	for k, v := range s.results {
		nr[k] = v
	}
	inner := s.cloneResultsFor(batch)
	inner.Set(item, dataloader.OkResult(value))
	nr[batch] = inner
	next.results = nr
	return next
}

// Fetch returns the resolved outcome for item, or a lookup error (§4.1).
func (s Source) Fetch(batch, item any) dataloader.Result {
	r, ok := s.results[batch]
	if !ok {
		return dataloader.ErrResult(&dataloader.LookupError{Batch: batch, Item: item, Err: dataloader.ErrBatchNotFound})
	}
	res, ok := r.Get(item)
	if !ok {
		return dataloader.ErrResult(&dataloader.LookupError{Batch: batch, Item: item, Err: dataloader.ErrItemNotFound})
	}
	return res
}

// PendingBatches reports whether any batch holds queued items (§4.1).
func (s Source) PendingBatches() bool {
	for _, set := range s.batches {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Timeout returns the source's own Run deadline, if configured.
func (s Source) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }

// Async reports whether the loader may run this source in parallel with
// others.
func (s Source) Async() bool { return s.async }

type batchOutcome struct {
	values map[any]any
	err    error
}

type job struct {
	key   any
	items []any
}

// Run drains every pending batch key, dispatching one fetch call per key
// through the async runner so unrelated batch keys resolve concurrently
// (§4.5, §4.2).
func (s Source) Run(ctx context.Context) (dataloader.Source, error) {
	jobs := map[string]job{}
	units := make([]runner.Unit[batchOutcome], 0, len(s.batches))
	i := 0
	for batch, set := range s.batches {
		if len(set) == 0 {
			continue
		}
		items := make([]any, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		// A counter-derived name: distinct batch keys that format alike
		// (e.g. 1 and "1") must not share a runner unit name.
		name := fmt.Sprintf("kvbatch-%d", i)
		i++
		jobs[name] = job{key: batch, items: items}
		batch, items := batch, items
		units = append(units, runner.Unit[batchOutcome]{
			Name:    name,
			Timeout: s.timeout,
			Run: func(ctx context.Context) (batchOutcome, error) {
				return s.runBatch(ctx, batch, items)
			},
		})
	}
	if len(units) == 0 {
		return s, nil
	}

	outcomes := runner.Run(ctx, units, s.maxConcurrency)

	next := s
	nr := make(map[any]*shardmap.Map[dataloader.Result], len(s.results))
	for k, v := range s.results {
		nr[k] = v
	}
	nb := make(map[any]map[any]struct{}, len(s.batches))
	for k, v := range s.batches {
		nb[k] = v
	}

	for name, out := range outcomes {
		j := jobs[name]
		inner := s.cloneResultsFor(j.key)

		switch {
		case out.Err != nil:
			reason := translateRunnerErr(out.Err)
			for _, item := range j.items {
				inner.Set(item, dataloader.ErrResult(&dataloader.BatchError{Batch: j.key, Err: reason}))
			}
		case out.Value.err != nil:
			for _, item := range j.items {
				inner.Set(item, dataloader.ErrResult(&dataloader.BatchError{Batch: j.key, Err: out.Value.err}))
			}
		default:
			for _, item := range j.items {
				if v, ok := out.Value.values[item]; ok {
					inner.Set(item, dataloader.OkResult(v))
				} else {
					inner.Set(item, dataloader.ErrResult(&dataloader.LookupError{Batch: j.key, Item: item, Err: dataloader.ErrItemNotFound}))
				}
			}
		}
		nr[j.key] = inner
		delete(nb, j.key)
	}

	next.results = nr
	next.batches = nb
	return next, nil
}

func (s Source) runBatch(ctx context.Context, batch any, items []any) (batchOutcome, error) {
	spanID := fmt.Sprintf("batch-%d", batchSpanCounter.Add(1))
	start := s.clock.Now()
	s.telemetry.BatchRunStart(telemetry.StartEvent{ID: spanID, SystemTime: start, BatchKey: batch})
	values, err := s.fetch(ctx, batch, items)
	stop := s.clock.Now()
	s.telemetry.BatchRunStop(telemetry.StopEvent{ID: spanID, DurationMonotonic: stop.Sub(start)})
	return batchOutcome{values: values, err: err}, nil
}

func translateRunnerErr(err error) error {
	if errors.Is(err, runner.ErrTimeout) {
		return dataloader.ErrTimeout
	}
	return err
}
