// Package relsource is the relational reference source (§3.4, §4.4):
// schema- and association-aware batching against a relstore.Repo, with
// per-batch query customization and cardinality mapping. It is grounded on
// kvsource's copy-on-write Source value and the shared internal/runner for
// per-batch concurrency, generalized to the relational source's richer,
// structured batch-key shapes (§4.4: association | schema query | schema
// shorthand), normalized on ingress into one comparable internal form so
// Run never re-discriminates on shape.
package relsource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-reflect"

	dataloader "github.com/absinthe-graphql/dataloader"
	"github.com/absinthe-graphql/dataloader/internal/runner"
	"github.com/absinthe-graphql/dataloader/internal/shardmap"
	"github.com/absinthe-graphql/dataloader/relstore"
	"github.com/absinthe-graphql/dataloader/telemetry"
)

// NotLoaded is the cache-warming rejection sentinel (§4.4): Put with this
// exact value is a no-op, so an unresolved association can never be warmed
// into the cache as if it were real data.
var NotLoaded = &struct{ notLoaded byte }{}

// QueryFunc shapes a base Queryable using a batch's merged params (§3.4
// query_fn). It must be pure with respect to loader state.
type QueryFunc func(q relstore.Queryable, params map[string]any) relstore.Queryable

// RunBatchFunc overrides the default schema-query row loader (§3.4
// run_batch_fn). inputs are already coerced to column's declared type.
type RunBatchFunc func(ctx context.Context, q relstore.Queryable, column string, inputs []any, repoOpts any) ([][]relstore.Record, error)

// Column builds a schema-query item key naming an explicit (column, value)
// pair. Required for any lookup that is not on the schema's primary key
// (§4.4 item key normalization); a bare value means "primary key".
func Column(column string, value any) dataloader.ItemKey {
	return columnKey{column: column, value: value}
}

type columnKey struct {
	column string
	value  any
}

type keyKind int

const (
	kindSchemaQuery keyKind = iota
	kindAssociation
)

// batchKey is the normalized, comparable form every public constructor
// produces (§4.4: "normalize on ingress so the run path never re-discriminates
// on shape").
type batchKey struct {
	kind                keyKind
	schema              relstore.Schema
	assocField          string
	cardinality         relstore.Cardinality
	explicitCardinality bool
	paramsHash          string
}

// BySchema builds a schema-query batch key with an explicit cardinality
// (§4.4 shape 2). A non-primary-key item column is always admissible under
// an explicit cardinality.
func BySchema(cardinality relstore.Cardinality, schema relstore.Schema, params map[string]any) dataloader.BatchKey {
	return batchKey{
		kind:                kindSchemaQuery,
		schema:              schema,
		cardinality:         cardinality,
		explicitCardinality: true,
		paramsHash:          hashParams(params),
	}
}

// Schema builds the schema-shorthand batch key, equivalent to
// BySchema(relstore.One, schema, params) except that a non-primary-key item
// column is a misuse error (§4.4 shape 3).
func Schema(schema relstore.Schema, params map[string]any) dataloader.BatchKey {
	return batchKey{
		kind:        kindSchemaQuery,
		schema:      schema,
		cardinality: relstore.One,
		paramsHash:  hashParams(params),
	}
}

// Association builds an association batch key (§4.4 shape 1). schema is the
// parent's schema, used to resolve field via schema.AssociationByField.
func Association(schema relstore.Schema, field string, params map[string]any) dataloader.BatchKey {
	return batchKey{
		kind:       kindAssociation,
		schema:     schema,
		assocField: field,
		paramsHash: hashParams(params),
	}
}

// paramsRegistry recovers a batch key's params content from its paramsHash.
// batchKey must stay a plain comparable struct so it can key a Go map (§4.4),
// which rules out embedding the map[string]any itself; two batch keys built
// from equal-content params must still coalesce into the same batch, which
// rules out a pointer identity too. Content-addressing through this registry
// gives both: the hash carries batchKey's identity, the registry recovers
// the content Run needs.
var paramsRegistry sync.Map // paramsHash string -> map[string]any

func hashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%#v", k, params[k])
	}
	hash := fmt.Sprintf("%v", pairs)
	if len(params) > 0 {
		paramsRegistry.LoadOrStore(hash, params)
	}
	return hash
}

func lookupParams(hash string) map[string]any {
	if v, ok := paramsRegistry.Load(hash); ok {
		return v.(map[string]any)
	}
	return nil
}

// Option configures a Source, following the teacher's functional-options
// pattern.
type Option interface{ apply(*Source) }

type optionFunc func(*Source)

func (f optionFunc) apply(s *Source) { f(s) }

// WithQueryFunc sets the per-batch query-shaping callback (§3.4 query_fn).
func WithQueryFunc(fn QueryFunc) Option {
	return optionFunc(func(s *Source) { s.queryFn = fn })
}

// WithRunBatchFunc overrides the default schema-query row loader (§3.4
// run_batch_fn); it has no effect on association batches, which always use
// repo.Preload.
func WithRunBatchFunc(fn RunBatchFunc) Option {
	return optionFunc(func(s *Source) { s.runBatchFn = fn })
}

// WithDefaultParams sets params merged into every batch's own params (§3.4
// default_params), the batch's own params taking precedence on conflict.
func WithDefaultParams(params map[string]any) Option {
	return optionFunc(func(s *Source) { s.defaultParams = params })
}

// WithRepoOpts sets the opaque store options passed through to every
// RunBatch/Preload call (§3.4 repo_opts).
func WithRepoOpts(opts any) Option {
	return optionFunc(func(s *Source) { s.repoOpts = opts })
}

// WithTimeout sets the source's own deadline for Run (§6).
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(s *Source) {
		s.timeout = d
		s.hasTimeout = true
	})
}

// WithMaxConcurrency bounds how many batch keys resolve in parallel during
// Run (§4.4 "batch execution concurrency"). Defaults to
// 2 x GOMAXPROCS-equivalent parallelism when unset, per §6's recognized
// source options; pass a negative value for unbounded.
func WithMaxConcurrency(n int) Option {
	return optionFunc(func(s *Source) { s.maxConcurrency = n })
}

// WithAsync declares whether the loader may run this source concurrently
// with its siblings (§4.1 async?). Relational sources default to false: a
// repo handle commonly pins a connection or transaction that should not be
// shared across concurrently-running sources (§5).
func WithAsync(async bool) Option {
	return optionFunc(func(s *Source) { s.async = async })
}

func WithClock(clock dataloader.Clock) Option {
	return optionFunc(func(s *Source) {
		if clock != nil {
			s.clock = clock
		}
	})
}

func WithTelemetry(hook telemetry.Hook) Option {
	return optionFunc(func(s *Source) {
		if hook != nil {
			s.telemetry = hook
		}
	})
}

var batchSpanCounter atomic.Uint64

// Source is the relational reference source. The zero value is not usable;
// construct with New.
type Source struct {
	repo          relstore.Repo
	queryFn       QueryFunc
	runBatchFn    RunBatchFunc
	defaultParams map[string]any
	repoOpts      any

	maxConcurrency int
	timeout        time.Duration
	hasTimeout     bool
	async          bool
	clock          dataloader.Clock
	telemetry      telemetry.Hook

	batches map[batchKey]map[any]struct{}
	column  map[batchKey]string // "" means primary key
	results map[batchKey]*shardmap.Map[dataloader.Result]
}

var _ dataloader.Source = Source{}

// New builds a Source backed by repo.
func New(repo relstore.Repo, opts ...Option) Source {
	s := Source{
		repo:      repo,
		clock:     dataloader.SystemClock,
		telemetry: telemetry.NopHook{},
		batches:   map[batchKey]map[any]struct{}{},
		column:    map[batchKey]string{},
		results:   map[batchKey]*shardmap.Map[dataloader.Result]{},
	}
	for _, opt := range opts {
		opt.apply(&s)
	}
	if s.runBatchFn == nil {
		s.runBatchFn = repo.RunBatch
	}
	if s.maxConcurrency == 0 {
		s.maxConcurrency = 2 * runtime.GOMAXPROCS(0)
	}
	return s
}

func (s Source) cloneResultsFor(bk batchKey) *shardmap.Map[dataloader.Result] {
	if existing, ok := s.results[bk]; ok {
		return existing.Clone()
	}
	return shardmap.New[dataloader.Result](shardmap.DefaultShards)
}

func mergeParams(defaults, batch map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(batch))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range batch {
		merged[k] = v
	}
	return merged
}

// normalizeItem resolves a public item key into the value used as the
// internal storage key, and — for schema queries — the column it targets. A
// non-primary-key column under a shorthand (implicit One) key is a misuse
// error (§4.4, §7 Misuse). For an association batch key, item must be the
// full parent record: the value used as the storage key is its primary-key
// field, extracted via relstore.Record (§4.4 "the item is the full parent
// record; the extracted key is the list of primary-key fields"). A caller
// passing anything else — a bare id, a different shape entirely — is a
// misuse that fails immediately at the call site, not on Run.
func normalizeItem(bk batchKey, item dataloader.ItemKey) (value any, column string, err error) {
	if bk.kind == kindAssociation {
		rec, ok := item.(relstore.Record)
		if !ok {
			return nil, "", &dataloader.MisuseError{Err: fmt.Errorf("%w: association item for field %q on schema %q must be a relstore.Record, got %T", dataloader.ErrNotRecord, bk.assocField, bk.schema.Name(), item)}
		}
		pk := bk.schema.PrimaryKey()
		value, ok = rec.Get(pk)
		if !ok {
			return nil, "", &dataloader.MisuseError{Err: fmt.Errorf("%w: parent record for association field %q missing primary key %q", dataloader.ErrNotRecord, bk.assocField, pk)}
		}
		return value, "", nil
	}

	pk := bk.schema.PrimaryKey()
	switch k := item.(type) {
	case columnKey:
		if k.column != pk && !bk.explicitCardinality {
			return nil, "", &dataloader.MisuseError{Err: fmt.Errorf("%w: column %q on schema %q", dataloader.ErrAmbiguousCardinality, k.column, bk.schema.Name())}
		}
		return k.value, k.column, nil
	default:
		return item, pk, nil
	}
}

// Load queues item under batch, normalizing its shape first (§3.2, §4.4). A
// misuse (a non-primary-key column without an explicit cardinality) leaves
// the item unqueued: Source.Load has no error return, so misuse is instead
// detected independently by Fetch, which re-normalizes item on every call
// and raises the same error immediately without waiting for a Run (§7.4
// "misuse fails immediately").
func (s Source) Load(batch, item any) dataloader.Source {
	bk, ok := batch.(batchKey)
	if !ok {
		return s
	}

	value, column, err := normalizeItem(bk, item)
	if err != nil {
		return s
	}

	if r, ok := s.results[bk]; ok {
		if res, ok := r.Get(value); ok && res.Ok() {
			return s
		}
	}

	next := s
	nb := make(map[batchKey]map[any]struct{}, len(s.batches))
	for k, v := range s.batches {
		nb[k] = v
	}
	old := nb[bk]
	set := make(map[any]struct{}, len(old)+1)
	for k := range old {
		set[k] = struct{}{}
	}
	set[value] = struct{}{}
	nb[bk] = set
	next.batches = nb

	if _, ok := next.column[bk]; !ok {
		nc := make(map[batchKey]string, len(s.column)+1)
		for k, v := range s.column {
			nc[k] = v
		}
		nc[bk] = column
		next.column = nc
	}
	return next
}

func (s Source) Put(batch, item, value any) dataloader.Source {
	if value == NotLoaded {
		return s
	}
	bk, ok := batch.(batchKey)
	if !ok {
		return s
	}
	v, _, err := normalizeItem(bk, item)
	if err != nil {
		return s
	}

	next := s
	nr := make(map[batchKey]*shardmap.Map[dataloader.Result], len(s.results))
	for k, r := range s.results {
		nr[k] = r
	}
	inner := s.cloneResultsFor(bk)
	inner.Set(v, dataloader.OkResult(value))
	nr[bk] = inner
	next.results = nr
	return next
}

func (s Source) Fetch(batch, item any) dataloader.Result {
	bk, ok := batch.(batchKey)
	if !ok {
		return dataloader.ErrResult(&dataloader.LookupError{Batch: batch, Item: item, Err: dataloader.ErrBatchNotFound})
	}
	v, _, err := normalizeItem(bk, item)
	if err != nil {
		return dataloader.ErrResult(err)
	}

	r, ok := s.results[bk]
	if !ok {
		return dataloader.ErrResult(&dataloader.LookupError{Batch: batch, Item: item, Err: dataloader.ErrBatchNotFound})
	}
	res, ok := r.Get(v)
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

type batchOutcome struct {
	mapping map[any]dataloader.Result
	err     error
}

// Run drains every pending batch key, dispatching one schema-query or
// association fetch per key through the async runner (§4.4).
func (s Source) Run(ctx context.Context) (dataloader.Source, error) {
	type job struct {
		key   batchKey
		items []any
	}
	jobs := map[string]job{}
	units := make([]runner.Unit[batchOutcome], 0, len(s.batches))
	i := 0
	for bk, set := range s.batches {
		if len(set) == 0 {
			continue
		}
		items := make([]any, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		// A counter-derived name, not one built from batchKey's fields: two
		// distinct batch keys (e.g. same schema+params but different
		// cardinality) must never collide on the runner unit name, or one
		// silently overwrites the other in jobs/outcomes.
		name := fmt.Sprintf("relbatch-%d", i)
		i++
		jobs[name] = job{key: bk, items: items}
		bk, items := bk, items
		units = append(units, runner.Unit[batchOutcome]{
			Name:    name,
			Timeout: s.timeout,
			Run: func(ctx context.Context) (batchOutcome, error) {
				return s.runBatchKey(ctx, bk, items)
			},
		})
	}
	if len(units) == 0 {
		return s, nil
	}

	outcomes := runner.Run(ctx, units, s.maxConcurrency)

	next := s
	nr := make(map[batchKey]*shardmap.Map[dataloader.Result], len(s.results))
	for k, v := range s.results {
		nr[k] = v
	}
	nb := make(map[batchKey]map[any]struct{}, len(s.batches))
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
				if r, ok := out.Value.mapping[item]; ok {
					inner.Set(item, r)
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

func (s Source) runBatchKey(ctx context.Context, bk batchKey, items []any) (batchOutcome, error) {
	spanID := fmt.Sprintf("relbatch-%d", batchSpanCounter.Add(1))
	start := s.clock.Now()
	s.telemetry.BatchRunStart(telemetry.StartEvent{ID: spanID, SystemTime: start, BatchKey: bk})
	defer func() {
		s.telemetry.BatchRunStop(telemetry.StopEvent{ID: spanID, DurationMonotonic: s.clock.Now().Sub(start)})
	}()

	params := mergeParams(s.defaultParams, lookupParams(bk.paramsHash))

	if bk.kind == kindAssociation {
		return s.runAssociation(ctx, bk, params, items)
	}
	return s.runSchemaQuery(ctx, bk, params, items)
}

func (s Source) runSchemaQuery(ctx context.Context, bk batchKey, params map[string]any, items []any) (batchOutcome, error) {
	column := s.column[bk]
	if column == "" {
		column = bk.schema.PrimaryKey()
	}

	inputs := make([]any, len(items))
	if t, ok := bk.schema.ColumnType(column); ok {
		for i, item := range items {
			coerced, err := coerce(item, t)
			if err != nil {
				return batchOutcome{}, fmt.Errorf("relsource: coercing %q: %w", column, err)
			}
			inputs[i] = coerced
		}
	} else {
		copy(inputs, items)
	}

	q := s.repo.Queryable(bk.schema)
	if s.queryFn != nil {
		q = s.queryFn(q, params)
	}

	rows, err := s.runBatchFn(ctx, q, column, inputs, s.repoOpts)
	if err != nil {
		return batchOutcome{}, err
	}
	if len(rows) != len(items) {
		return batchOutcome{}, fmt.Errorf("relsource: run_batch_fn returned %d results for %d inputs", len(rows), len(items))
	}

	mapping := make(map[any]dataloader.Result, len(items))
	for i, item := range items {
		mapping[item] = mapCardinality(bk.cardinality, rows[i])
	}
	return batchOutcome{mapping: mapping}, nil
}

func (s Source) runAssociation(ctx context.Context, bk batchKey, params map[string]any, items []any) (batchOutcome, error) {
	assoc, ok := bk.schema.AssociationByField(bk.assocField)
	if !ok {
		return batchOutcome{}, fmt.Errorf("%w: field %q on schema %q", dataloader.ErrNotAssociation, bk.assocField, bk.schema.Name())
	}

	q := s.repo.Queryable(assoc.Target)
	if s.queryFn != nil {
		q = s.queryFn(q, params)
	}

	rows, err := s.repo.Preload(ctx, q, assoc, items, s.repoOpts)
	if err != nil {
		return batchOutcome{}, err
	}
	if len(rows) != len(items) {
		return batchOutcome{}, fmt.Errorf("relsource: Preload returned %d results for %d parents", len(rows), len(items))
	}

	mapping := make(map[any]dataloader.Result, len(items))
	for i, item := range items {
		mapping[item] = mapCardinality(assoc.Cardinality, rows[i])
	}
	return batchOutcome{mapping: mapping}, nil
}

// mapCardinality applies §4.4 step 3: one collapses [] to nil and [x] to x,
// failing on more than one row; many always returns the list.
func mapCardinality(card relstore.Cardinality, recs []relstore.Record) dataloader.Result {
	if card == relstore.Many {
		return dataloader.OkResult(recs)
	}
	switch len(recs) {
	case 0:
		return dataloader.OkResult(nil)
	case 1:
		return dataloader.OkResult(recs[0])
	default:
		return dataloader.ErrResult(dataloader.ErrMultipleResults)
	}
}

// coerce converts v to t (§4.4 step 4). Cast failures are fatal for the
// whole batch, per spec.
func coerce(v any, t reflect.Type) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return v, nil
	}
	if !rv.Type().ConvertibleTo(t) {
		return nil, fmt.Errorf("cannot convert %T to %s", v, t)
	}
	return rv.Convert(t).Interface(), nil
}

func translateRunnerErr(err error) error {
	if errors.Is(err, runner.ErrTimeout) {
		return dataloader.ErrTimeout
	}
	return err
}
