package dataloader

// ValueCloner is adapted from the teacher's value_cloner.go for the
// loader's `any`-typed results. A cardinality-many relational result or a
// KV fan-out result can be referenced by more than one caller's GetMany
// output slot; ValueCloner lets a Loader avoid handing out one shared slice
// to multiple callers who might each mutate their copy in place.
type ValueCloner interface {
	CloneValue(v any) any
}

// ValueClonerFunc is a function type that implements ValueCloner.
type ValueClonerFunc func(v any) any

// CloneValue calls the function.
func (f ValueClonerFunc) CloneValue(v any) any { return f(v) }

// NopValueCloner returns the input value unchanged. It is the default: most
// result values (scalars, request-scoped rows) are never mutated by callers,
// so cloning them would only add cost without benefit.
type NopValueCloner struct{}

// CloneValue returns v unchanged.
func (NopValueCloner) CloneValue(v any) any { return v }

// ShallowSliceCloner clones the slice header (a fresh backing array) but not
// its elements, matching the teacher's "only clone for receivers after the
// first" optimization: it is enough to stop two callers from each appending
// to, or reassigning into, the same backing array, without paying for a deep
// copy of every row. Only []any is copied; every other value, including
// slices of other element types such as []relstore.Record, passes through
// unchanged.
var ShallowSliceCloner ValueCloner = ValueClonerFunc(func(v any) any {
	switch s := v.(type) {
	case []any:
		if s == nil {
			return s
		}
		out := make([]any, len(s))
		copy(out, s)
		return out
	default:
		return v
	}
})
