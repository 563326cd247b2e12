// Package queryir provides the relational query intermediate representation
// read by the live query engine and the SQL backend.
//
// A Query is a pipeline:
//
//	from(collection) → join*(collection, on, inner|left) → where →
//	groupBy → select → orderBy → offset → limit
//
// Queries are built with the fluent Builder, decoded from declarative
// YAML/JSON files (Spec), or assembled directly from the struct types.
//
// SEALED INTERFACES:
//
// Predicate and Expr are sealed interfaces using the marker method pattern.
// Only types in this package implement them, so evaluators can switch
// exhaustively:
//
//	switch p := queryir.Unwrap(pred).(type) {
//	case queryir.Equals:
//	case queryir.BoundEquals:
//	case queryir.FieldEquals:
//	case queryir.Compare:
//	case queryir.In:
//	case queryir.IsNull:
//	case queryir.And, queryir.Or, queryir.Not:
//	}
//
// VALUES:
//
// All literals are ir.IRValue (no floats). Keys compare by value: a real
// key equals the integer with the same number, a pending key equals only
// itself.
//
// CHECKING:
//
// Check verifies a query against collection specs and is run before a view
// is created. Validate reports whether the query stays inside the portable
// fragment that internal/querysql can push down to SQLite.
package queryir
