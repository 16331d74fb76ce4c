// Package fakerepo is an in-memory relstore.Repo used by tests. It is the
// only concrete relational store in this module — a real SQL/ORM binding is
// explicitly out of scope (§1) — and exists purely to exercise the
// relational source's batching, cardinality-mapping, and lateral-join logic
// against predictable data.
package fakerepo

import (
	"context"
	"slices"
	"sort"

	"github.com/goccy/go-reflect"

	"github.com/absinthe-graphql/dataloader/internal/iterutil"
	"github.com/absinthe-graphql/dataloader/relstore"
)

// Record is a plain map-backed row.
type Record map[string]any

func (r Record) Get(column string) (any, bool) {
	v, ok := r[column]
	return v, ok
}

// Schema is a minimal, map-backed relstore.Schema.
type Schema struct {
	name         string
	primaryKey   string
	columns      map[string]reflect.Type
	associations map[string]relstore.Association
}

// NewSchema declares a schema with the given name and primary-key column.
func NewSchema(name, primaryKey string) *Schema {
	return &Schema{
		name:         name,
		primaryKey:   primaryKey,
		columns:      map[string]reflect.Type{},
		associations: map[string]relstore.Association{},
	}
}

func (s *Schema) Name() string       { return s.name }
func (s *Schema) PrimaryKey() string { return s.primaryKey }

func (s *Schema) ColumnType(column string) (reflect.Type, bool) {
	t, ok := s.columns[column]
	return t, ok
}

func (s *Schema) AssociationByField(field string) (relstore.Association, bool) {
	a, ok := s.associations[field]
	return a, ok
}

// WithColumn declares column's Go type, used by the relational source to
// coerce input values before dispatching a query.
func (s *Schema) WithColumn(column string, sample any) *Schema {
	s.columns[column] = reflect.TypeOf(sample)
	return s
}

// WithAssociation declares an association field.
func (s *Schema) WithAssociation(assoc relstore.Association) *Schema {
	s.associations[assoc.Field] = assoc
	return s
}

// Repo is an in-memory relstore.Repo: a set of named tables, each an
// unordered slice of Records.
type Repo struct {
	tables map[string][]Record
}

// New builds an empty Repo.
func New() *Repo {
	return &Repo{tables: map[string][]Record{}}
}

// Seed appends rows to the table named schema.
func (r *Repo) Seed(schemaName string, rows ...Record) {
	r.tables[schemaName] = append(r.tables[schemaName], rows...)
}

func (r *Repo) Queryable(schema relstore.Schema) relstore.Queryable {
	return &queryable{schema: schema}
}

type predicate struct {
	column string
	value  any
}

type queryable struct {
	schema     relstore.Schema
	wheres     []predicate
	joinWheres []predicate
	limit      int
	hasLimit   bool
	offset     int
	hasOffset  bool
}

func (q *queryable) clone() *queryable {
	nq := *q
	nq.wheres = append([]predicate{}, q.wheres...)
	nq.joinWheres = append([]predicate{}, q.joinWheres...)
	return &nq
}

func (q *queryable) Schema() relstore.Schema { return q.schema }
func (q *queryable) Limit() (int, bool)      { return q.limit, q.hasLimit }
func (q *queryable) Offset() (int, bool)     { return q.offset, q.hasOffset }

func (q *queryable) Where(column string, value any) relstore.Queryable {
	nq := q.clone()
	nq.wheres = append(nq.wheres, predicate{column, value})
	return nq
}

func (q *queryable) JoinWhere(column string, value any) relstore.Queryable {
	nq := q.clone()
	nq.joinWheres = append(nq.joinWheres, predicate{column, value})
	return nq
}

func (q *queryable) WithLimit(n int) relstore.Queryable {
	nq := q.clone()
	nq.limit, nq.hasLimit = n, true
	return nq
}

func (q *queryable) WithOffset(n int) relstore.Queryable {
	nq := q.clone()
	nq.offset, nq.hasOffset = n, true
	return nq
}

func matches(row Record, preds []predicate) bool {
	for _, p := range preds {
		v, ok := row.Get(p.column)
		if !ok || v != p.value {
			return false
		}
	}
	return true
}

// window applies offset/limit and a stable primary-key ordering to rows, the
// way the lateral strategy applies a per-input window (§4.4).
func window(rows []Record, schema relstore.Schema, q *queryable) []Record {
	sorted := append([]Record{}, rows...)
	pk := schema.PrimaryKey()
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, _ := sorted[i].Get(pk)
		vj, _ := sorted[j].Get(pk)
		return lessAny(vi, vj)
	})

	if off, ok := q.Offset(); ok && off < len(sorted) {
		sorted = sorted[off:]
	} else if ok {
		sorted = nil
	}
	if lim, ok := q.Limit(); ok && lim < len(sorted) {
		sorted = sorted[:lim]
	}
	return sorted
}

func lessAny(a, b any) bool {
	switch av := a.(type) {
	case int:
		bv, _ := b.(int)
		return av < bv
	case string:
		bv, _ := b.(string)
		return av < bv
	default:
		return false
	}
}

// RunBatch finds, for each coerced input in order, every row in q's schema
// whose column equals that input and that satisfies q's where predicates,
// windowed per input (the lateral strategy).
func (r *Repo) RunBatch(_ context.Context, q relstore.Queryable, column string, inputs []any, _ any) ([][]relstore.Record, error) {
	fq := q.(*queryable)
	rows := r.tables[q.Schema().Name()]

	out := make([][]relstore.Record, len(inputs))
	for i, in := range inputs {
		var matched []Record
		for _, row := range rows {
			v, ok := row.Get(column)
			if !ok || v != in {
				continue
			}
			if !matches(row, fq.wheres) {
				continue
			}
			matched = append(matched, row)
		}
		windowed := window(matched, q.Schema(), fq)
		result := make([]relstore.Record, len(windowed))
		for j, row := range windowed {
			result[j] = row
		}
		out[i] = result
	}
	return out, nil
}

func hopsFor(assoc relstore.Association) []relstore.Association {
	if len(assoc.Through) > 0 {
		return assoc.Through
	}
	return []relstore.Association{assoc}
}

// Preload resolves assoc for each parent primary-key value independently by
// walking its hop chain (direct, or has-many-through): each hop matches rows
// whose ForeignKey is among the incoming ids, then the next hop's ids become
// those matched rows' values at hop.CorrelationKey — never the hop's own
// Target.PrimaryKey(), which for a many-to-many junction is typically a
// synthetic id or a composite unrelated to either far-side foreign key.
// join_where predicates apply to every intermediate hop, where predicates to
// the final one; the per-parent window (§4.4 lateral strategy) applies
// throughout (§4.4).
func (r *Repo) Preload(_ context.Context, q relstore.Queryable, assoc relstore.Association, parentKeys []any, _ any) ([][]relstore.Record, error) {
	fq := q.(*queryable)
	hops := hopsFor(assoc)

	out := make([][]relstore.Record, len(parentKeys))
	for i, pk := range parentKeys {
		ids := []any{pk}
		var matched []Record
		for hi, hop := range hops {
			rows := r.tables[hop.Target.Name()]
			var next []Record
			for _, row := range rows {
				v, ok := row.Get(hop.ForeignKey)
				if !ok || !containsAny(ids, v) {
					continue
				}
				isLast := hi == len(hops)-1
				preds := fq.wheres
				if !isLast {
					preds = fq.joinWheres
				}
				if len(preds) > 0 && !matches(row, preds) {
					continue
				}
				next = append(next, row)
			}

			matched = next
			if hi < len(hops)-1 {
				correlationKey := hop.CorrelationKey
				if correlationKey == "" {
					correlationKey = hop.Target.PrimaryKey()
				}
				rawIDs := make([]any, 0, len(next))
				for _, row := range next {
					if v, ok := row.Get(correlationKey); ok {
						rawIDs = append(rawIDs, v)
					}
				}
				// A hop can match the same intermediate row through more
				// than one incoming id (a fan-in junction); dedupe before
				// it seeds the next hop's lookup.
				ids = slices.Collect(iterutil.Uniq(slices.Values(rawIDs)))
			}
		}
		out[i] = toRecords(window(matched, assoc.Target, fq))
	}
	return out, nil
}

func toRecords(rows []Record) []relstore.Record {
	out := make([]relstore.Record, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out
}

func containsAny(haystack []any, v any) bool {
	for _, h := range haystack {
		if h == v {
			return true
		}
	}
	return false
}
