package dataloader_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	dataloader "github.com/absinthe-graphql/dataloader"
	"github.com/absinthe-graphql/dataloader/source/errsource"
	"github.com/absinthe-graphql/dataloader/source/kvsource"
)

func echoSource(calls *atomic.Int32) kvsource.Source {
	return kvsource.New(func(_ context.Context, _ dataloader.BatchKey, items []dataloader.ItemKey) (map[dataloader.ItemKey]any, error) {
		if calls != nil {
			calls.Add(1)
		}
		out := map[dataloader.ItemKey]any{}
		for _, item := range items {
			out[item] = "User-" + item.(string)
		}
		return out, nil
	})
}

// P1 Idempotent load: loading the same (batch, item) twice, then Run, then
// loading it again once it has resolved {ok,_} leaves the loader's
// materialized value untouched and never re-invokes the backend.
func TestProperty_IdempotentLoad(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	loader := dataloader.New().AddSource("users", echoSource(&calls))

	loader, err := loader.Load("users", "b", "1")
	if err != nil {
		t.Fatal(err)
	}
	loader, err = loader.Load("users", "b", "1")
	if err != nil {
		t.Fatal(err)
	}
	loader = loader.Run(t.Context())

	// Loading again after a successful resolution must not requeue the item
	// (kvsource.Load's own P1 short-circuit), so a second Run is a no-op.
	loader, err = loader.Load("users", "b", "1")
	if err != nil {
		t.Fatal(err)
	}
	if loader.PendingBatches() {
		t.Fatalf("re-loading a resolved item should not create pending work")
	}
	loader = loader.Run(t.Context())

	v, err := loader.Get("users", "b", "1")
	if err != nil {
		t.Fatal(err)
	}
	if v != "User-1" {
		t.Errorf("got %v, want User-1", v)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected backend invoked exactly once, got %d", got)
	}
}

// P3 Cache hit avoids backend: after a successful Run, re-loading a resolved
// key never triggers another backend call on the next Run.
func TestProperty_CacheHitAvoidsBackend(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	loader := dataloader.New().AddSource("users", echoSource(&calls))

	loader, _ = loader.Load("users", "b", "1")
	loader = loader.Run(t.Context())
	if got := calls.Load(); got != 1 {
		t.Fatalf("got %d calls after first run, want 1", got)
	}

	loader, _ = loader.Load("users", "b", "1")
	loader = loader.Run(t.Context())
	if got := calls.Load(); got != 1 {
		t.Errorf("got %d calls after second run, want still 1 (cache hit)", got)
	}
}

// P5 Ordering of get_many: output position i corresponds to input position i,
// regardless of the order backend resolution happened to produce.
func TestProperty_GetManyPreservesInputOrder(t *testing.T) {
	t.Parallel()

	loader := dataloader.New().AddSource("users", echoSource(nil))
	loader, _ = loader.Load("users", "b", "3")
	loader, _ = loader.Load("users", "b", "1")
	loader, _ = loader.Load("users", "b", "2")
	loader = loader.Run(t.Context())

	values, errs := loader.GetMany("users", "b", []dataloader.ItemKey{"2", "3", "1"})
	for _, e := range errs {
		if e != nil {
			t.Fatalf("unexpected error: %v", e)
		}
	}
	want := []any{"User-2", "User-3", "User-1"}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

// P7 Isolation: a crash in one source's Run does not prevent other sources
// from being materialized in the same Run call (scenario 5).
func TestProperty_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	failing := errsource.New(true)
	failing.Fail = errors.New("s2 down")

	loader := dataloader.New(dataloader.WithGetPolicy(dataloader.Tuples)).
		AddSource("s1", echoSource(nil)).
		AddSource("s2", failing)

	loader, _ = loader.Load("s1", "b", "1")
	loader, _ = loader.Load("s2", "b", "x")
	loader = loader.Run(t.Context())

	v, err := loader.Get("s1", "b", "1")
	if err != nil {
		t.Fatalf("s1 should have succeeded despite s2's failure: %v", err)
	}
	if v != "User-1" {
		t.Errorf("got %v, want User-1", v)
	}

	_, err = loader.Get("s2", "b", "x")
	var batchErr *dataloader.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError from s2, got %v", err)
	}

	// The loader must remain usable for subsequent loads against either
	// source after the partial failure.
	loader, err = loader.Load("s1", "b", "2")
	if err != nil {
		t.Fatalf("loader should remain usable after a sibling source's failure: %v", err)
	}
	loader = loader.Run(t.Context())
	v, err = loader.Get("s1", "b", "2")
	if err != nil {
		t.Fatal(err)
	}
	if v != "User-2" {
		t.Errorf("got %v, want User-2", v)
	}
}

// P8 Timeout: a source whose Run exceeds the loader's timeout reports
// {error, timeout}; a sibling under the timeout still succeeds (scenario 6).
func TestProperty_TimeoutIsolatedFromSiblings(t *testing.T) {
	t.Parallel()

	slow := errsource.New(true).WithTimeout(1 * time.Millisecond)
	slow.Delay = 50 * time.Millisecond

	loader := dataloader.New(dataloader.WithGetPolicy(dataloader.Tuples)).
		AddSource("fast", echoSource(nil)).
		AddSource("slow", slow)

	loader, _ = loader.Load("fast", "b", "1")
	loader, _ = loader.Load("slow", "b", "x")
	loader = loader.Run(t.Context())

	v, err := loader.Get("fast", "b", "1")
	if err != nil {
		t.Fatalf("fast source should succeed under the slow sibling's timeout: %v", err)
	}
	if v != "User-1" {
		t.Errorf("got %v, want User-1", v)
	}

	_, err = loader.Get("slow", "b", "x")
	if !errors.Is(err, dataloader.ErrTimeout) {
		t.Fatalf("expected ErrTimeout under tuples policy, got %v", err)
	}

	raising := dataloader.New(dataloader.WithGetPolicy(dataloader.RaiseOnError)).
		AddSource("slow", slow)
	raising, _ = raising.Load("slow", "b", "x")
	raising = raising.Run(t.Context())

	_, err = raising.Get("slow", "b", "x")
	var failure *dataloader.GetFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *GetFailure under raise_on_error, got %v", err)
	}
	if !errors.Is(err, dataloader.ErrTimeout) {
		t.Errorf("expected wrapped ErrTimeout, got %v", err)
	}
}

// P9 Policy consistency: the three GetPolicy settings agree on a successful
// read and disagree only in failure shape.
func TestProperty_PolicyConsistency(t *testing.T) {
	t.Parallel()

	build := func(policy dataloader.GetPolicy) dataloader.Loader {
		src := echoSource(nil)
		l := dataloader.New(dataloader.WithGetPolicy(policy)).AddSource("users", src)
		l, _ = l.Load("users", "b", "1")
		return l.Run(t.Context())
	}

	for _, policy := range []dataloader.GetPolicy{dataloader.RaiseOnError, dataloader.ReturnNilOnError, dataloader.Tuples} {
		loader := build(policy)
		v, err := loader.Get("users", "b", "1")
		if err != nil {
			t.Fatalf("policy %s: unexpected error on success: %v", policy, err)
		}
		if v != "User-1" {
			t.Errorf("policy %s: got %v, want User-1", policy, v)
		}
	}

	failingBuild := func(policy dataloader.GetPolicy) dataloader.Loader {
		src := errsource.New(true)
		src.Fail = errors.New("down")
		l := dataloader.New(dataloader.WithGetPolicy(policy)).AddSource("s", src)
		l, _ = l.Load("s", "b", "x")
		return l.Run(t.Context())
	}

	if v, err := failingBuild(dataloader.RaiseOnError).Get("s", "b", "x"); err == nil {
		t.Errorf("raise_on_error: expected an error, got value %v", v)
	} else {
		var failure *dataloader.GetFailure
		if !errors.As(err, &failure) {
			t.Errorf("raise_on_error: expected *GetFailure, got %T", err)
		}
	}

	if v, err := failingBuild(dataloader.ReturnNilOnError).Get("s", "b", "x"); err != nil || v != nil {
		t.Errorf("return_nil_on_error: got (%v, %v), want (nil, nil)", v, err)
	}

	if v, err := failingBuild(dataloader.Tuples).Get("s", "b", "x"); err == nil || v != nil {
		t.Errorf("tuples: got (%v, %v), want (nil, non-nil error)", v, err)
	}
}

// Scenario 1: Basic KV batching.
func TestScenario_BasicKVBatching(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var seen []dataloader.ItemKey
	src := kvsource.New(func(_ context.Context, batch dataloader.BatchKey, items []dataloader.ItemKey) (map[dataloader.ItemKey]any, error) {
		calls.Add(1)
		seen = append(seen, items...)
		out := map[dataloader.ItemKey]any{}
		for _, item := range items {
			out[item] = "User-" + item.(string)
		}
		return out, nil
	})

	loader := dataloader.New().AddSource("Users", src)
	loader, _ = loader.Load("Users", "users", "1")
	loader, _ = loader.Load("Users", "users", "2")
	loader, _ = loader.Load("Users", "users", "1")
	loader = loader.Run(t.Context())

	values, errs := loader.GetMany("Users", "users", []dataloader.ItemKey{"1", "2"})
	for _, e := range errs {
		if e != nil {
			t.Fatalf("unexpected error: %v", e)
		}
	}
	if diff := cmp.Diff([]any{"User-1", "User-2"}, values); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend invoked %d times, want exactly once", got)
	}
	if len(seen) != 2 {
		t.Errorf("expected input set of size 2, got %v", seen)
	}
}

// Scenario 5: Partial-failure isolation (duplicate of the property test
// above, phrased as the literal end-to-end scenario with two named sources).
func TestScenario_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	s1 := echoSource(nil)
	s2 := errsource.New(true)
	s2.Fail = errors.New("s2 crashed")

	loader := dataloader.New(dataloader.WithGetPolicy(dataloader.Tuples)).
		AddSource("s1", s1).
		AddSource("s2", s2)

	loader, _ = loader.Load("s1", "b", "1")
	loader, _ = loader.Load("s2", "b", "x")
	loader = loader.Run(t.Context())

	if v, err := loader.Get("s1", "b", "1"); err != nil || v != "User-1" {
		t.Errorf("s1: got (%v, %v), want (User-1, nil)", v, err)
	}
	if _, err := loader.Get("s2", "b", "x"); err == nil {
		t.Errorf("s2: expected an error, got none")
	}

	// The loader remains usable for subsequent loads.
	loader, err := loader.Load("s1", "b", "2")
	if err != nil {
		t.Fatalf("loader unusable after partial failure: %v", err)
	}
	loader = loader.Run(t.Context())
	if v, err := loader.Get("s1", "b", "2"); err != nil || v != "User-2" {
		t.Errorf("s1 second load: got (%v, %v), want (User-2, nil)", v, err)
	}
}

// Scenario 6: Timeout path — a source with timeout=1ms whose Run sleeps
// 50ms reports {error, timeout} under tuples and raises GetFailure wrapping
// it under raise_on_error.
func TestScenario_TimeoutPath(t *testing.T) {
	t.Parallel()

	slow := errsource.New(true).WithTimeout(1 * time.Millisecond)
	slow.Delay = 50 * time.Millisecond

	tuplesLoader := dataloader.New(dataloader.WithGetPolicy(dataloader.Tuples)).AddSource("slow", slow)
	tuplesLoader, _ = tuplesLoader.Load("slow", "b", "x")
	tuplesLoader = tuplesLoader.Run(t.Context())

	_, err := tuplesLoader.Get("slow", "b", "x")
	if !errors.Is(err, dataloader.ErrTimeout) {
		t.Fatalf("tuples: expected ErrTimeout, got %v", err)
	}

	raiseLoader := dataloader.New(dataloader.WithGetPolicy(dataloader.RaiseOnError)).AddSource("slow", slow)
	raiseLoader, _ = raiseLoader.Load("slow", "b", "x")
	raiseLoader = raiseLoader.Run(t.Context())

	_, err = raiseLoader.Get("slow", "b", "x")
	var failure *dataloader.GetFailure
	if !errors.As(err, &failure) {
		t.Fatalf("raise_on_error: expected *GetFailure, got %v", err)
	}
	if !errors.Is(err, dataloader.ErrTimeout) {
		t.Errorf("raise_on_error: expected wrapped ErrTimeout, got %v", err)
	}
}

// Misuse (§7 kind 4): referencing an unknown source fails immediately at
// the call site, never deferred to Run.
func TestMisuse_UnknownSourceFailsImmediately(t *testing.T) {
	t.Parallel()

	loader := dataloader.New()
	_, err := loader.Load("ghost", "b", "1")
	var misuse *dataloader.MisuseError
	if !errors.As(err, &misuse) {
		t.Fatalf("expected *MisuseError, got %v", err)
	}
	if !errors.Is(err, dataloader.ErrUnknownSource) {
		t.Errorf("expected wrapped ErrUnknownSource, got %v", err)
	}
}

// P6 Warming is transparent: Put followed by Get returns the warmed value
// with no backend call, at the Loader level (not just within one source).
func TestProperty_WarmingIsTransparent(t *testing.T) {
	t.Parallel()

	src := kvsource.New(func(context.Context, dataloader.BatchKey, []dataloader.ItemKey) (map[dataloader.ItemKey]any, error) {
		t.Fatal("backend must not be called for a warmed key")
		return nil, nil
	})

	loader := dataloader.New().AddSource("s", src)
	loader, err := loader.Put("s", "b", "k", "warmed")
	if err != nil {
		t.Fatal(err)
	}
	v, err := loader.Get("s", "b", "k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "warmed" {
		t.Errorf("got %v, want warmed", v)
	}
}
