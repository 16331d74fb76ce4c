// Package errsource is the error-injecting test double named in the design
// notes ("ErrorSource"): a source whose Run can be made to sleep, fail
// outright, or both, without standing up a real backend. It exists for the
// partial-failure-isolation and timeout property tests (§8 P7, P8,
// scenarios 5 and 6).
package errsource

import (
	"context"
	"errors"
	"time"

	dataloader "github.com/absinthe-graphql/dataloader"
	"github.com/absinthe-graphql/dataloader/internal/runner"
	"github.com/absinthe-graphql/dataloader/internal/shardmap"
)

// ValueFunc computes the resolved value for an item that is not failing.
// The default echoes the item key back, which is enough for tests that only
// care about success/failure shape rather than content.
type ValueFunc func(batch, item any) any

// Source is the test double. The zero value runs instantly and always
// succeeds; configure Delay and/or Fail to exercise timeout and
// failure-isolation paths.
type Source struct {
	// Delay is slept at the start of Run. With a timeout set (WithTimeout),
	// Run stops waiting once the timeout passes and returns
	// dataloader.ErrTimeout; the sleep itself is not interrupted.
	Delay time.Duration

	// Fail, if non-nil, makes every item pending at the time of the call
	// resolve to a *dataloader.BatchError wrapping it. Run itself still
	// returns a nil error.
	Fail error

	// Value computes each resolved item's value on a non-failing Run.
	Value ValueFunc

	timeout    time.Duration
	hasTimeout bool
	async      bool

	batches map[any]map[any]struct{}
	results map[any]*shardmap.Map[dataloader.Result]
}

var _ dataloader.Source = Source{}

// New builds a Source. async mirrors the source's declared §4.1 async? flag.
func New(async bool) Source {
	return Source{
		async:   async,
		Value:   func(_, item any) any { return item },
		batches: map[any]map[any]struct{}{},
		results: map[any]*shardmap.Map[dataloader.Result]{},
	}
}

func (s Source) cloneResultsFor(batch any) *shardmap.Map[dataloader.Result] {
	if existing, ok := s.results[batch]; ok {
		return existing.Clone()
	}
	return shardmap.New[dataloader.Result](shardmap.DefaultShards)
}

// WithTimeout returns a copy of s with its own Run deadline set, exercising
// the per-source timeout path (§8 P8, scenario 6).
func (s Source) WithTimeout(d time.Duration) Source {
	s.timeout = d
	s.hasTimeout = true
	return s
}

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

func (s Source) PendingBatches() bool {
	for _, set := range s.batches {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

func (s Source) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }

func (s Source) Async() bool { return s.async }

// Run drives resolve through the async runner under s.timeout, self-enforcing
// the source's own declared deadline the same way kvsource and relsource do,
// rather than depending solely on the loader's own backstop deadline.
func (s Source) Run(ctx context.Context) (dataloader.Source, error) {
	units := []runner.Unit[dataloader.Source]{{
		Name:    "run",
		Timeout: s.timeout,
		Run:     s.resolve,
	}}
	out := runner.Run(ctx, units, 1)["run"]
	if out.Err != nil {
		return s, translateRunnerErr(out.Err)
	}
	return out.Value, nil
}

// resolve sleeps Delay, then either fails every pending item with Fail or
// resolves each one via Value. It does not itself watch ctx for
// cancellation: the runner enforces s.timeout (and the caller's ambient
// deadline) around this call and reports the outcome without waiting for
// this goroutine to return.
func (s Source) resolve(_ context.Context) (dataloader.Source, error) {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	value := s.Value
	if value == nil {
		value = func(_, item any) any { return item }
	}

	next := s
	nr := make(map[any]*shardmap.Map[dataloader.Result], len(s.results))
	for k, v := range s.results {
		nr[k] = v
	}
	for batch, set := range s.batches {
		if len(set) == 0 {
			continue
		}
		inner := s.cloneResultsFor(batch)
		for item := range set {
			if s.Fail != nil {
				inner.Set(item, dataloader.ErrResult(&dataloader.BatchError{Batch: batch, Err: s.Fail}))
			} else {
				inner.Set(item, dataloader.OkResult(value(batch, item)))
			}
		}
		nr[batch] = inner
	}
	next.results = nr
	next.batches = map[any]map[any]struct{}{}
	return next, nil
}

func translateRunnerErr(err error) error {
	if errors.Is(err, runner.ErrTimeout) {
		return dataloader.ErrTimeout
	}
	return err
}
