// Package shardmap provides a concurrent map keyed by `any`, sharded by hash
// to reduce lock contention. It is adapted from the teacher's
// storage/memstorage bucket-sharding technique: memstorage distributed
// *cached, expiring* entries across buckets guarded by per-bucket mutexes;
// here the same bucketing holds one batch's results within a source. The
// sources fill it after internal/runner has returned every batch outcome,
// so writes within a Run come from one goroutine; the per-bucket locks keep
// reads from other goroutines safe. There is no expiration and no cross-call
// persistence — the map lives only as long as the Source value that owns
// it, consistent with the loader's Non-goals (no cross-process caching, no
// cache sharing across loaders).
package shardmap

import (
	"sync"

	"github.com/absinthe-graphql/dataloader/internal/keyhash"
)

// DefaultShards is the default number of buckets, matching the teacher's
// memstorage.DefaultBucketsSize.
var DefaultShards = 256

type bucket[V any] struct {
	m  map[any]V
	mu sync.RWMutex
}

// Map is a sharded, concurrency-safe map[any]V.
type Map[V any] struct {
	buckets []*bucket[V]
}

// New creates a Map with the given number of shards. shards <= 0 means a
// single, unsharded bucket.
func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = 1
	}
	buckets := make([]*bucket[V], shards)
	for i := range buckets {
		buckets[i] = &bucket[V]{m: map[any]V{}}
	}
	return &Map[V]{buckets: buckets}
}

func (m *Map[V]) bucketFor(key any) *bucket[V] {
	idx := keyhash.HashAny(key) % len(m.buckets)
	if idx < 0 {
		idx = -idx
	}
	return m.buckets[idx]
}

// Get returns the value stored for key, if any.
func (m *Map[V]) Get(key any) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[V]) Set(key any, value V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
}

// Delete removes key, if present.
func (m *Map[V]) Delete(key any) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

// Len returns the total number of entries across all shards. It is O(shards)
// and intended for tests/diagnostics, not hot paths.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Clone returns a new, independent Map holding a shallow copy of every
// entry. Used when a Source must present value semantics to a caller while
// the original continues to be mutated internally during Run.
func (m *Map[V]) Clone() *Map[V] {
	out := New[V](len(m.buckets))
	for i, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			out.buckets[i].m[k] = v
		}
		b.mu.RUnlock()
	}
	return out
}

// Range calls f for every entry. f must not call back into m.
func (m *Map[V]) Range(f func(key any, value V)) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			f(k, v)
		}
		b.mu.RUnlock()
	}
}
