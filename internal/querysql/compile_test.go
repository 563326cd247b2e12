package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

func testLookup() queryir.Lookup {
	specs := map[string]*ir.CollectionSpec{
		"users": {Name: "users", Fields: []ir.FieldSpec{{Name: "name", Type: "string"}}},
		"articles": {
			Name:   "articles",
			Fields: []ir.FieldSpec{{Name: "title", Type: "string"}, {Name: "views", Type: "int"}},
			Refs:   []ir.RefSpec{{Field: "author_id", To: "users"}},
		},
		"likes": {
			Name:   "likes",
			Refs:   []ir.RefSpec{{Field: "article_id", To: "articles", OnDelete: ir.OnDeleteCascade}, {Field: "user_id", To: "users"}},
			Unique: [][]string{{"article_id", "user_id"}},
		},
	}
	return func(name string) (*ir.CollectionSpec, bool) {
		s, ok := specs[name]
		return s, ok
	}
}

func TestCompile_SimpleSelect(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	q := queryir.From("articles").Where(queryir.Eq("title", ir.IRString("widgets"))).Build()

	sql, params, err := compiler.Compile(q)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "articles"."id", "articles"."title", "articles"."views", "articles"."author_id" `+
			`FROM "articles" AS "articles" WHERE "articles"."title" = ? ORDER BY "articles"."id" ASC`,
		sql)
	assert.NotContains(t, sql, "widgets") // Value NOT in SQL
	assert.Equal(t, []any{"widgets"}, params)
}

func TestCompile_JoinProjectionOrderLimit(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	q := queryir.From("articles", "a").
		LeftJoin("users", "u", queryir.On("a.author_id", "u.id")).
		Select(queryir.Col("title", "a.title"), queryir.Col("author", "u.name")).
		OrderBy("author", true).
		Limit(10).
		Offset(20).
		Build()

	sql, params, err := compiler.Compile(q)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "a"."title" AS "title", "u"."name" AS "author" FROM "articles" AS "a" `+
			`LEFT JOIN "users" AS "u" ON "a"."author_id" = "u"."id" `+
			`ORDER BY "author" COLLATE BINARY DESC, "a"."id" ASC, "u"."id" ASC LIMIT ? OFFSET ?`,
		sql)
	assert.Equal(t, []any{int64(10), int64(20)}, params)
}

func TestCompile_GroupedAggregates(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	q := queryir.From("likes", "l").
		GroupBy("l.article_id").
		Select(
			queryir.Col("article", "l.article_id"),
			queryir.Count("n"),
			queryir.CountOf("users", "l.user_id"),
			queryir.Sum("s", "l.user_id"),
			queryir.Avg("avg", "l.user_id"),
			queryir.Min("lo", "l.user_id"),
			queryir.Max("hi", "l.user_id"),
		).
		Build()

	sql, _, err := compiler.Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, `COUNT(*) AS "n"`)
	assert.Contains(t, sql, `COUNT("l"."user_id") AS "users"`)
	assert.Contains(t, sql, `COALESCE(SUM("l"."user_id"), 0) AS "s"`)
	assert.Contains(t, sql, `CAST(AVG("l"."user_id") AS INTEGER) AS "avg"`)
	assert.Contains(t, sql, `MIN("l"."user_id") AS "lo"`)
	assert.Contains(t, sql, `MAX("l"."user_id") AS "hi"`)
	assert.Contains(t, sql, `GROUP BY "l"."article_id" ORDER BY MIN("l"."id") ASC`)
}

func TestCompile_UngroupedAggregateHasNoTiebreaker(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	sql, _, err := compiler.Compile(queryir.From("likes").Select(queryir.Count("n")).Build())
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS "n" FROM "likes" AS "likes"`, sql)
}

func TestCompile_Predicates(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())
	compiler.BoundValues = ir.IRObject{"user": ir.RealKey(7)}

	q := queryir.From("articles").Where(queryir.All(
		queryir.Bound("author_id", "user"),
		queryir.Cmp("views", queryir.OpGe, ir.IRInt(10)),
		queryir.OneOf("id", ir.IRInt(1), ir.RealKey(2)),
		queryir.Any(queryir.Null("title"), queryir.Negate(queryir.Eq("title", ir.IRString("x")))),
		queryir.OneOf("id"),
	)).Build()

	sql, params, err := compiler.Compile(q)
	require.NoError(t, err)

	assert.Contains(t, sql, `WHERE ("articles"."author_id" = ? AND "articles"."views" >= ? AND `+
		`"articles"."id" IN (?, ?) AND ("articles"."title" IS NULL OR NOT COALESCE("articles"."title" = ?, 0)) AND 0 = 1)`)
	assert.Equal(t, []any{int64(7), int64(10), int64(1), int64(2), "x"}, params)
}

func TestCompile_FindOne(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	sql, params, err := compiler.Compile(queryir.From("users").Where(queryir.Eq("id", ir.IRInt(3))).FindOne().Build())
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT ?")
	assert.Equal(t, []any{int64(3), int64(1)}, params)
}

func TestCompile_OffsetWithoutLimit(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	sql, params, err := compiler.Compile(queryir.From("users").Offset(5).Build())
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT -1 OFFSET ?")
	assert.Equal(t, []any{int64(5)}, params)
}

func TestCompile_ZeroLimit(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	sql, params, err := compiler.Compile(queryir.From("users").Limit(0).Offset(2).Build())
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT ? OFFSET ?")
	assert.Equal(t, []any{int64(0), int64(2)}, params)
}

func TestCompile_Errors(t *testing.T) {
	compiler := NewSQLCompiler(testLookup())

	tests := map[string]*queryir.Query{
		"sync field":      queryir.From("articles").Where(queryir.Eq("$sync", ir.IRString("pending"))).Build(),
		"pending literal": queryir.From("likes").Where(queryir.Eq("article_id", ir.PendingKey("p"))).Build(),
		"missing binding": queryir.From("likes").Where(queryir.Bound("user_id", "user")).Build(),
	}
	for name, q := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := compiler.Compile(q)
			assert.Error(t, err)
		})
	}

	_, _, err := compiler.Compile(nil)
	assert.Error(t, err)
}

func TestCompile_WithoutLookupSelectsStar(t *testing.T) {
	compiler := NewSQLCompiler(nil)

	sql, _, err := compiler.Compile(queryir.From("things", "t").Build())
	require.NoError(t, err)
	assert.Equal(t, `SELECT "t".* FROM "things" AS "t" ORDER BY "t"."id" ASC`, sql)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteIdent("plain"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
