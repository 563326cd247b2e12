package queryir

import "github.com/roach88/livedb/internal/ir"

// Builder assembles a Query fluently:
//
//	q := queryir.From("articles", "a").
//		LeftJoin("users", "u", queryir.On("a.author_id", "u.id")).
//		Where(queryir.Eq("a.status", ir.IRString("published"))).
//		Select(queryir.Col("title", "a.title"), queryir.Col("author", "u.name")).
//		OrderBy("title", false).
//		Limit(10).
//		Build()
type Builder struct {
	q Query
}

// From starts a query over collection. The optional alias defaults to the
// collection name.
func From(collection string, alias ...string) *Builder {
	src := Source{Collection: collection}
	if len(alias) > 0 {
		src.Alias = alias[0]
	}
	return &Builder{q: Query{From: src}}
}

// Join adds an inner join.
func (b *Builder) Join(collection, alias string, on Predicate) *Builder {
	b.q.Joins = append(b.q.Joins, Join{Kind: JoinInner, Source: Source{Collection: collection, Alias: alias}, On: on})
	return b
}

// LeftJoin adds a left join.
func (b *Builder) LeftJoin(collection, alias string, on Predicate) *Builder {
	b.q.Joins = append(b.q.Joins, Join{Kind: JoinLeft, Source: Source{Collection: collection, Alias: alias}, On: on})
	return b
}

// Where adds a filter. Repeated calls are combined with And.
func (b *Builder) Where(p Predicate) *Builder {
	switch existing := b.q.Where.(type) {
	case nil:
		b.q.Where = p
	case And:
		preds := append([]Predicate{}, existing.Predicates...)
		b.q.Where = And{Predicates: append(preds, p)}
	default:
		b.q.Where = And{Predicates: []Predicate{existing, p}}
	}
	return b
}

// GroupBy partitions rows by the given fields.
func (b *Builder) GroupBy(paths ...string) *Builder {
	for _, p := range paths {
		b.q.GroupBy = append(b.q.GroupBy, F(p))
	}
	return b
}

// Select sets the output projections.
func (b *Builder) Select(projections ...Projection) *Builder {
	b.q.Select = append(b.q.Select, projections...)
	return b
}

// OrderBy appends a sort key on an output column.
func (b *Builder) OrderBy(field string, desc bool) *Builder {
	b.q.OrderBy = append(b.q.OrderBy, Order{Field: field, Desc: desc})
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = &n
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.q.Offset = n
	return b
}

// FindOne collapses the result to a single row or not found.
func (b *Builder) FindOne() *Builder {
	b.q.One = true
	return b
}

// Build returns the assembled query.
func (b *Builder) Build() *Query {
	q := b.q
	return &q
}

// Col projects a field under a column name.
func Col(as, path string) Projection {
	return Projection{As: as, Expr: Field{Ref: F(path)}}
}

// Count projects count(*).
func Count(as string) Projection {
	return Projection{As: as, Expr: Agg{Func: AggCount}}
}

// CountOf projects count(field).
func CountOf(as, path string) Projection {
	return aggregate(as, AggCount, path)
}

func Sum(as, path string) Projection { return aggregate(as, AggSum, path) }
func Min(as, path string) Projection { return aggregate(as, AggMin, path) }
func Max(as, path string) Projection { return aggregate(as, AggMax, path) }
func Avg(as, path string) Projection { return aggregate(as, AggAvg, path) }

func aggregate(as string, fn AggFunc, path string) Projection {
	ref := F(path)
	return Projection{As: as, Expr: Agg{Func: fn, Of: &ref}}
}

func Eq(path string, v ir.IRValue) Predicate { return Equals{Field: F(path), Value: v} }

func Bound(path, binding string) Predicate { return BoundEquals{Field: F(path), Binding: binding} }

// On is the equi-join condition left = right.
func On(left, right string) Predicate { return FieldEquals{Left: F(left), Right: F(right)} }

func Cmp(path string, op CompareOp, v ir.IRValue) Predicate {
	return Compare{Field: F(path), Op: op, Value: v}
}

func OneOf(path string, values ...ir.IRValue) Predicate { return In{Field: F(path), Values: values} }

func Null(path string) Predicate { return IsNull{Field: F(path)} }

func All(ps ...Predicate) Predicate { return And{Predicates: ps} }

func Any(ps ...Predicate) Predicate { return Or{Predicates: ps} }

func Negate(p Predicate) Predicate { return Not{Predicate: p} }
