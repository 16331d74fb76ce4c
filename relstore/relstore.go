// Package relstore is the consumed contract for a relational store (§1: "the
// relational store interface itself... out of scope... only its consumed
// contract is specified"). It declares the shapes the relational source
// needs — schema introspection, queryable construction, and batched row and
// association fetches — without committing to any particular SQL driver or
// ORM. fakerepo provides the only concrete implementation in this module,
// used by tests.
package relstore

import (
	"context"

	"github.com/goccy/go-reflect"
)

// Cardinality is the expected shape of a relational lookup's result: a
// single record or a list (§4.4).
type Cardinality int

const (
	// One expects at most one matching record; more than one is a
	// dedicated error (ErrMultipleResults).
	One Cardinality = iota
	// Many expects a list, possibly empty.
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "many"
	}
	return "one"
}

// Record is one row/entity instance returned by the store.
type Record interface {
	// Get returns the value of column and whether it is present. Used to
	// extract primary-key fields for association correlation.
	Get(column string) (any, bool)
}

// Association is a declared link from one Schema to another. For a direct
// link, a matching row in Target is one where row.Get(ForeignKey) equals the
// correlation value carried in from the owning side — the parent's primary
// key for a top-level association, or the previous hop's matched rows'
// CorrelationKey values for an intermediate one (§4.4: "the extracted key is
// the list of primary-key fields").
type Association struct {
	// Field is the association's name on the owning schema.
	Field string
	// Target is the schema on the far side of this hop.
	Target Schema
	// Cardinality is has_one/belongs_to (One) vs has_many (Many) for the
	// association as a whole.
	Cardinality Cardinality
	// ForeignKey is the column on Target correlated against the incoming
	// correlation value (the parent's primary key for a top-level
	// association, or the previous hop's CorrelationKey values for an
	// intermediate one).
	ForeignKey string
	// CorrelationKey is the column on Target whose value seeds the next
	// hop's incoming lookup, for a non-final hop in a Through chain. A
	// junction entity's own primary key is very often not this column (a
	// junction's PK is commonly a synthetic id or a composite of both
	// foreign keys, not either far-side id individually), so this must be
	// declared explicitly rather than assumed to be Target.PrimaryKey().
	// Empty on the final hop of a chain, and on a non-Through association,
	// where there is no next hop to feed.
	CorrelationKey string
	// Through lists the complete chain of hops for a has-many-through
	// association, traversed in order; when non-empty it replaces
	// Target/ForeignKey for traversal purposes (the outer Target still
	// names the chain's final schema, for display). A many-to-many link is
	// a two-hop Through chain through the junction entity: the first hop's
	// Target is the junction, its CorrelationKey is the junction's column
	// pointing at the far side, and join_where filters apply to that hop's
	// rows.
	Through []Association
}

// Schema is a relational store's notion of an entity type, reflected just
// deeply enough for the relational source to discover primary keys, coerce
// input values into column types, and resolve association fields.
type Schema interface {
	// Name identifies the schema (table/model name).
	Name() string
	// PrimaryKey returns the primary-key column name.
	PrimaryKey() string
	// ColumnType returns the Go type a column's values must coerce to, and
	// whether the column is declared at all.
	ColumnType(column string) (reflect.Type, bool)
	// AssociationByField resolves a declared association by field name.
	AssociationByField(field string) (Association, bool)
}

// Queryable is the user-facing, chainable query representation a query_fn
// shapes before it reaches Repo.RunBatch/Preload. It is intentionally
// opaque beyond what the default run strategy inspects (Limit/Offset): the
// predicates themselves are the caller's responsibility to build.
type Queryable interface {
	Schema() Schema
	Limit() (int, bool)
	Offset() (int, bool)

	// Where narrows the base query on an arbitrary column (used by
	// query_fn, not by the source's own batching logic).
	Where(column string, value any) Queryable
	// JoinWhere narrows on a column of the junction entity, for
	// many-to-many associations.
	JoinWhere(column string, value any) Queryable
	WithLimit(n int) Queryable
	WithOffset(n int) Queryable
}

// Repo is a handle to the relational store, captured at batch-key
// construction time together with a self_ctx token (e.g. for connection
// pinning) and re-asserted when the source runs (§5 Resource ownership).
type Repo interface {
	// Queryable returns a fresh, unconstrained Queryable rooted at schema.
	Queryable(schema Schema) Queryable

	// RunBatch executes one bulk fetch for a schema query: for each input
	// (a coerced column value) in order, return the matching records. The
	// default relational-source strategy calls this once per batch key with
	// every queued input; if q declares a limit or offset, the caller is
	// expected to honor it per input (the lateral strategy), not globally.
	RunBatch(ctx context.Context, q Queryable, column string, inputs []any, repoOpts any) ([][]Record, error)

	// Preload executes a bulk association fetch: for each parent primary-key
	// value in order, return the matching child records for assoc. If q
	// declares a limit or offset, it is honored per parent.
	Preload(ctx context.Context, q Queryable, assoc Association, parentKeys []any, repoOpts any) ([][]Record, error)
}
