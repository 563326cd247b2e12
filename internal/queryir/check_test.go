package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

func testLookup() Lookup {
	specs := map[string]*ir.CollectionSpec{
		"users": {
			Name:   "users",
			Fields: []ir.FieldSpec{{Name: "name", Type: "string"}},
		},
		"articles": {
			Name: "articles",
			Fields: []ir.FieldSpec{
				{Name: "title", Type: "string"},
				{Name: "status", Type: "string"},
				{Name: "views", Type: "int"},
			},
			Refs: []ir.RefSpec{
				{Field: "author_id", To: "users"},
				{Field: "category_id", To: "categories", Optional: true},
			},
			Timestamps: map[string]string{"created_at": ir.StampInsert},
		},
		"likes": {
			Name: "likes",
			Refs: []ir.RefSpec{
				{Field: "article_id", To: "articles"},
				{Field: "user_id", To: "users"},
			},
			Unique: [][]string{{"article_id", "user_id"}},
		},
	}
	return func(name string) (*ir.CollectionSpec, bool) {
		s, ok := specs[name]
		return s, ok
	}
}

func TestCheck_ValidQueries(t *testing.T) {
	queries := map[string]*Query{
		"plain": From("articles").Where(Eq("status", ir.IRString("published"))).OrderBy("created_at", true).Build(),
		"join": From("articles", "a").
			LeftJoin("users", "u", On("a.author_id", "u.id")).
			Select(Col("title", "a.title"), Col("author", "u.name"), Col("sync", "a.$sync")).
			OrderBy("title", false).
			Build(),
		"grouped": From("articles", "a").
			LeftJoin("likes", "l", On("l.article_id", "a.id")).
			GroupBy("a.id").
			Select(Col("article", "a.id"), CountOf("likes", "l.id"), Sum("views", "a.views"), Max("latest", "a.created_at")).
			OrderBy("likes", true).
			Build(),
		"count only": From("likes").Where(Bound("user_id", "user")).Select(Count("n")).Build(),
	}
	for name, q := range queries {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, Check(q, testLookup()))
		})
	}
}

func TestCheck_ReportsEveryIssue(t *testing.T) {
	q := From("articles", "a").
		Join("comments", "c", On("c.article_id", "a.id")).
		Join("users", "a", On("a.author_id", "a.id")).
		Where(Eq("a.body", ir.IRString("x"))).
		Select(Col("title", "a.title"), Col("title", "a.status")).
		OrderBy("missing", false).
		Limit(-1).
		Build()

	err := Check(q, testLookup())

	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
	msg := err.Error()
	assert.Contains(t, msg, `unknown collection "comments"`)
	assert.Contains(t, msg, `alias "a" used more than once`)
	assert.Contains(t, msg, "a.body: unknown field of articles")
	assert.Contains(t, msg, `column "title" projected twice`)
	assert.Contains(t, msg, `order by "missing": not a selected column`)
	assert.Contains(t, msg, "limit must not be negative")
}

func TestCheck_JoinConditionScope(t *testing.T) {
	q := From("articles", "a").
		Join("users", "u", On("a.author_id", "l.user_id")).
		Join("likes", "l", On("l.article_id", "a.id")).
		Build()

	err := Check(q, testLookup())

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown alias "l"`)
}

func TestCheck_GroupedProjectionMustBeKeyOrAggregate(t *testing.T) {
	q := From("likes").GroupBy("article_id").Select(Col("user", "user_id"), Count("n")).Build()

	err := Check(q, testLookup())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither grouped nor aggregated")
}

func TestCheck_SumRequiresIntField(t *testing.T) {
	q := From("articles").Select(Sum("s", "title")).Build()

	err := Check(q, testLookup())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum over string field")
}

func TestCheck_OrderByFieldOfFromWhenNoSelect(t *testing.T) {
	assert.NoError(t, Check(From("articles").OrderBy("views", false).Build(), testLookup()))

	err := Check(From("articles").OrderBy("nope", false).Build(), testLookup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a field of articles")
}
