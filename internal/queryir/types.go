package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/livedb/internal/ir"
)

// SyncField is the virtual field exposing a row's sync state
// ("synced", "pending" or "error"). It is never stored.
const SyncField = "$sync"

// JoinKind selects inner or left join semantics.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

// Query is a declarative relational pipeline over collections:
//
//	from → join* → where → groupBy → select → orderBy → offset/limit
//
// A nil Limit means unbounded; a limit of zero yields no rows. One marks
// findOne semantics: the result holds at most one row and an empty result
// is reported as not found.
type Query struct {
	From    Source
	Joins   []Join
	Where   Predicate
	GroupBy []FieldRef
	Select  []Projection
	OrderBy []Order
	Limit   *int
	Offset  int
	One     bool
}

// Source names a collection and the alias its fields are addressed by.
type Source struct {
	Collection string
	Alias      string
}

// Join adds a source to the row set. On is evaluated per (left tuple,
// right row) pair.
type Join struct {
	Kind   JoinKind
	Source Source
	On     Predicate
}

// FieldRef addresses a field of a source ("a.title"). An empty Alias
// refers to the From source.
type FieldRef struct {
	Alias string
	Field string
}

// F parses "alias.field" or "field" into a FieldRef.
func F(path string) FieldRef {
	if i := strings.Index(path, "."); i >= 0 {
		return FieldRef{Alias: path[:i], Field: path[i+1:]}
	}
	return FieldRef{Field: path}
}

// String returns the dotted form.
func (r FieldRef) String() string {
	if r.Alias == "" {
		return r.Field
	}
	return r.Alias + "." + r.Field
}

// IsSync reports whether the reference addresses the virtual sync field.
func (r FieldRef) IsSync() bool { return r.Field == SyncField }

// AggFunc names an aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggAvg   AggFunc = "avg"
)

// Projection is one output column: a field reference or an aggregate.
type Projection struct {
	As   string
	Expr Expr
}

// Expr is a projection expression.
//
// This is a sealed interface - only Field and Agg implement it.
type Expr interface {
	exprNode()
}

// Field projects a source field. Absent values are omitted from the row.
type Field struct {
	Ref FieldRef
}

func (Field) exprNode() {}

// Agg aggregates over the rows of a group. A nil Of means count(*).
//
// count(field) counts rows where the field is present and not null. sum
// and avg ignore absent values and avg truncates toward zero. min, max and
// avg are omitted when the group has no values; sum is then 0. min and max
// use the value order of ir.Compare.
type Agg struct {
	Func AggFunc
	Of   *FieldRef
}

func (Agg) exprNode() {}

// Order sorts output rows by a projected column name.
type Order struct {
	Field string
	Desc  bool
}

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
// A comparison against an absent or null field is false, except IsNull.
type Predicate interface {
	predicateNode()
}

// Equals: field = literal.
type Equals struct {
	Field FieldRef
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// BoundEquals: field = subscription binding.
type BoundEquals struct {
	Field   FieldRef
	Binding string
}

func (BoundEquals) predicateNode() {}

// FieldEquals: left field = right field (equi-join condition).
type FieldEquals struct {
	Left  FieldRef
	Right FieldRef
}

func (FieldEquals) predicateNode() {}

// CompareOp is an ordering operator.
type CompareOp string

const (
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpNe CompareOp = "!="
)

// Compare: field <op> literal, using ir.Compare ordering.
type Compare struct {
	Field FieldRef
	Op    CompareOp
	Value ir.IRValue
}

func (Compare) predicateNode() {}

// In: field ∈ values.
type In struct {
	Field  FieldRef
	Values []ir.IRValue
}

func (In) predicateNode() {}

// IsNull is true when the field is absent or null.
type IsNull struct {
	Field FieldRef
}

func (IsNull) predicateNode() {}

// And is true when all predicates are (empty = true).
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when any predicate is (empty = false).
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not inverts a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Unwrap dereferences pointer predicates so callers can switch on value
// types only.
func Unwrap(p Predicate) Predicate {
	switch pred := p.(type) {
	case *Equals:
		return *pred
	case *BoundEquals:
		return *pred
	case *FieldEquals:
		return *pred
	case *Compare:
		return *pred
	case *In:
		return *pred
	case *IsNull:
		return *pred
	case *And:
		return *pred
	case *Or:
		return *pred
	case *Not:
		return *pred
	default:
		return p
	}
}

// Aliases returns the source aliases in evaluation order.
func (q *Query) Aliases() []string {
	out := make([]string, 0, len(q.Joins)+1)
	out = append(out, q.From.alias())
	for _, j := range q.Joins {
		out = append(out, j.Source.alias())
	}
	return out
}

// Collections returns every collection the query reads, without
// duplicates, in source order.
func (q *Query) Collections() []string {
	seen := map[string]bool{}
	var out []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(q.From.Collection)
	for _, j := range q.Joins {
		add(j.Source.Collection)
	}
	return out
}

// Grouped reports whether the query aggregates (explicit GroupBy or any
// aggregate projection).
func (q *Query) Grouped() bool {
	if len(q.GroupBy) > 0 {
		return true
	}
	for _, p := range q.Select {
		if _, ok := p.Expr.(Agg); ok {
			return true
		}
	}
	return false
}

// Resolve fills an empty alias with the From alias.
func (q *Query) Resolve(r FieldRef) FieldRef {
	if r.Alias == "" {
		r.Alias = q.From.alias()
	}
	return r
}

// Bindings returns the binding names referenced by BoundEquals predicates.
func (q *Query) Bindings() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(p Predicate)
	walk = func(p Predicate) {
		switch pred := Unwrap(p).(type) {
		case BoundEquals:
			if !seen[pred.Binding] {
				seen[pred.Binding] = true
				out = append(out, pred.Binding)
			}
		case And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case Or:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case Not:
			walk(pred.Predicate)
		}
	}
	walk(q.Where)
	for _, j := range q.Joins {
		walk(j.On)
	}
	return out
}

func (s Source) alias() string {
	if s.Alias == "" {
		return s.Collection
	}
	return s.Alias
}

// Name returns the alias, defaulting to the collection name.
func (s Source) Name() string { return s.alias() }

func (s Source) String() string {
	if s.Alias == "" || s.Alias == s.Collection {
		return s.Collection
	}
	return fmt.Sprintf("%s %s", s.Collection, s.Alias)
}
