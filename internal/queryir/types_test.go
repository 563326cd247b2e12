package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

func TestF_ParsesAlias(t *testing.T) {
	assert.Equal(t, FieldRef{Alias: "a", Field: "title"}, F("a.title"))
	assert.Equal(t, FieldRef{Field: "title"}, F("title"))
	assert.Equal(t, "a.title", F("a.title").String())
	assert.True(t, F("a.$sync").IsSync())
}

func TestBuilder_AssemblesPipeline(t *testing.T) {
	q := From("articles", "a").
		LeftJoin("users", "u", On("a.author_id", "u.id")).
		Where(Eq("a.status", ir.IRString("published"))).
		Where(Bound("a.author_id", "user")).
		Select(Col("title", "a.title"), Col("author", "u.name")).
		OrderBy("title", false).
		Limit(10).
		Offset(5).
		Build()

	assert.Equal(t, Source{Collection: "articles", Alias: "a"}, q.From)
	require.Len(t, q.Joins, 1)
	assert.Equal(t, JoinLeft, q.Joins[0].Kind)
	and, ok := q.Where.(And)
	require.True(t, ok, "repeated Where calls combine with And")
	assert.Len(t, and.Predicates, 2)
	assert.Equal(t, []string{"a", "u"}, q.Aliases())
	assert.Equal(t, []string{"articles", "users"}, q.Collections())
	assert.Equal(t, []string{"user"}, q.Bindings())
	assert.False(t, q.Grouped())
	require.NotNil(t, q.Limit)
	assert.Equal(t, 10, *q.Limit)
	assert.Equal(t, 5, q.Offset)
}

func TestBuilder_WhereDoesNotAliasCallerAnd(t *testing.T) {
	base := And{Predicates: make([]Predicate, 1, 4)}
	base.Predicates[0] = Eq("x", ir.IRInt(1))

	q1 := From("t").Where(base).Where(Eq("y", ir.IRInt(2))).Build()
	q2 := From("t").Where(base).Where(Eq("z", ir.IRInt(3))).Build()

	assert.Equal(t, F("y"), q1.Where.(And).Predicates[1].(Equals).Field)
	assert.Equal(t, F("z"), q2.Where.(And).Predicates[1].(Equals).Field)
}

func TestQuery_Grouped(t *testing.T) {
	assert.True(t, From("likes").Select(Count("n")).Build().Grouped())
	assert.True(t, From("likes").GroupBy("article_id").Select(Col("article", "article_id")).Build().Grouped())
	assert.False(t, From("likes").Build().Grouped())
}

func TestQuery_ResolveDefaultsToFromAlias(t *testing.T) {
	q := From("articles", "a").Build()
	assert.Equal(t, FieldRef{Alias: "a", Field: "title"}, q.Resolve(F("title")))

	q = From("articles").Build()
	assert.Equal(t, FieldRef{Alias: "articles", Field: "title"}, q.Resolve(F("title")))
}

func TestQuery_BindingsWalksNestedPredicates(t *testing.T) {
	q := From("comments", "c").
		Join("articles", "a", All(On("c.article_id", "a.id"), Bound("a.author_id", "author"))).
		Where(Any(Bound("c.user_id", "user"), Negate(Bound("c.user_id", "user")))).
		Build()

	assert.Equal(t, []string{"user", "author"}, q.Bindings())
}

func TestUnwrap_PointerVariants(t *testing.T) {
	preds := []Predicate{
		&Equals{Field: F("a")},
		&BoundEquals{Field: F("a")},
		&FieldEquals{Left: F("a"), Right: F("b")},
		&Compare{Field: F("a"), Op: OpLt},
		&In{Field: F("a")},
		&IsNull{Field: F("a")},
		&And{},
		&Or{},
		&Not{},
	}
	for _, p := range preds {
		u := Unwrap(p)
		assert.NotEqual(t, p, u, "%T should be dereferenced", p)
	}
	assert.Equal(t, Equals{Field: F("a")}, Unwrap(Equals{Field: F("a")}))
}

func TestPredicate_SealedInterface(t *testing.T) {
	var preds []Predicate = []Predicate{
		Equals{}, BoundEquals{}, FieldEquals{}, Compare{}, In{}, IsNull{}, And{}, Or{}, Not{},
	}
	assert.Len(t, preds, 9)

	var exprs []Expr = []Expr{Field{}, Agg{}}
	assert.Len(t, exprs, 2)
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "articles", Source{Collection: "articles"}.Name())
	assert.Equal(t, "a", Source{Collection: "articles", Alias: "a"}.Name())
	assert.Equal(t, "articles a", Source{Collection: "articles", Alias: "a"}.String())
}
