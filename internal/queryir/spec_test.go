package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

const articlesByAuthorYAML = `
from: {collection: articles, as: a}
join:
  - {collection: users, as: u, kind: left, on: {field_equals: [a.author_id, u.id]}}
where:
  and:
    - equals: {field: a.status, value: published}
    - bound: {field: a.author_id, binding: user}
    - not: {is_null: a.category_id}
    - compare: {field: a.views, op: ">=", value: 10}
    - in: {field: a.category_id, values: [1, 2, {$pending: p-1}]}
select:
  - {as: title, field: a.title}
  - {as: author, field: u.name}
order_by:
  - {field: title, desc: true}
limit: 5
offset: 10
`

func TestParseSpec_YAML(t *testing.T) {
	spec, err := ParseSpec([]byte(articlesByAuthorYAML))
	require.NoError(t, err)

	q, err := spec.Query()
	require.NoError(t, err)

	assert.Equal(t, Source{Collection: "articles", Alias: "a"}, q.From)
	require.Len(t, q.Joins, 1)
	assert.Equal(t, JoinLeft, q.Joins[0].Kind)
	assert.Equal(t, FieldEquals{Left: F("a.author_id"), Right: F("u.id")}, q.Joins[0].On)

	and := q.Where.(And)
	require.Len(t, and.Predicates, 5)
	assert.Equal(t, Equals{Field: F("a.status"), Value: ir.IRString("published")}, and.Predicates[0])
	assert.Equal(t, BoundEquals{Field: F("a.author_id"), Binding: "user"}, and.Predicates[1])
	assert.Equal(t, Not{Predicate: IsNull{Field: F("a.category_id")}}, and.Predicates[2])
	assert.Equal(t, Compare{Field: F("a.views"), Op: OpGe, Value: ir.IRInt(10)}, and.Predicates[3])
	assert.Equal(t, In{Field: F("a.category_id"), Values: []ir.IRValue{ir.IRInt(1), ir.IRInt(2), ir.PendingKey("p-1")}}, and.Predicates[4])

	assert.Equal(t, []Projection{Col("title", "a.title"), Col("author", "u.name")}, q.Select)
	assert.Equal(t, []Order{{Field: "title", Desc: true}}, q.OrderBy)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 5, *q.Limit)
	assert.Equal(t, 10, q.Offset)
}

func TestParseSpec_JSON(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"from":{"collection":"likes"},"group_by":["article_id"],"select":[{"as":"article","field":"article_id"},{"as":"n","agg":"count"}]}`))
	require.NoError(t, err)

	q, err := spec.Query()
	require.NoError(t, err)
	assert.True(t, q.Grouped())
	assert.Equal(t, Count("n"), q.Select[1])
	assert.Nil(t, q.Limit, "an absent limit is unbounded")
}

func TestParseSpec_ZeroLimitIsKept(t *testing.T) {
	spec, err := ParseSpec([]byte("from: {collection: articles}\nlimit: 0\n"))
	require.NoError(t, err)

	q, err := spec.Query()
	require.NoError(t, err)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 0, *q.Limit)

	canonical, err := Canonical(q)
	require.NoError(t, err)
	assert.Contains(t, string(canonical), `"limit":0`)
}

func TestParseSpec_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", ``, "empty document"},
		{"unknown field", "from: {collection: a}\nfilter: {}\n", "filter"},
		{"missing from", "limit: 1\n", "from.collection is required"},
		{"two forms", "from: {collection: a}\nwhere: {is_null: x, equals: {field: y, value: 1}}\n", "exactly one"},
		{"empty predicate", "from: {collection: a}\nwhere: {}\n", "empty predicate"},
		{"float literal", "from: {collection: a}\nwhere: {equals: {field: x, value: 1.5}}\n", "floats are forbidden"},
		{"bad op", "from: {collection: a}\nwhere: {compare: {field: x, op: '~', value: 1}}\n", "unknown operator"},
		{"bad join kind", "from: {collection: a}\njoin: [{collection: b, kind: outer, on: {field_equals: [a.x, b.y]}}]\n", "unknown kind"},
		{"join without on", "from: {collection: a}\njoin: [{collection: b}]\n", "on is required"},
		{"field_equals arity", "from: {collection: a}\nwhere: {field_equals: [x]}\n", "exactly two"},
		{"unknown aggregate", "from: {collection: a}\nselect: [{as: n, agg: median, field: x}]\n", "unknown aggregate"},
		{"sum without field", "from: {collection: a}\nselect: [{as: n, agg: sum}]\n", "requires a field"},
		{"nested error path", "from: {collection: a}\nwhere: {and: [{is_null: x}, {}]}\n", "and[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec([]byte(tt.yaml))
			if err == nil {
				_, err = spec.Query()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSpecOf_RoundTrip(t *testing.T) {
	spec, err := ParseSpec([]byte(articlesByAuthorYAML))
	require.NoError(t, err)
	q, err := spec.Query()
	require.NoError(t, err)

	again, err := SpecOf(q).Query()
	require.NoError(t, err)
	assert.Equal(t, q, again)
}

func TestCanonical_EqualQueriesShareEncoding(t *testing.T) {
	built := From("articles", "a").
		LeftJoin("users", "u", On("a.author_id", "u.id")).
		Where(All(
			Eq("a.status", ir.IRString("published")),
			Bound("a.author_id", "user"),
			Negate(Null("a.category_id")),
			Cmp("a.views", OpGe, ir.IRInt(10)),
			OneOf("a.category_id", ir.IRInt(1), ir.IRInt(2), ir.PendingKey("p-1")),
		)).
		Select(Col("title", "a.title"), Col("author", "u.name")).
		OrderBy("title", true).
		Limit(5).
		Offset(10).
		Build()
	spec, err := ParseSpec([]byte(articlesByAuthorYAML))
	require.NoError(t, err)
	parsed, err := spec.Query()
	require.NoError(t, err)

	a, err := Canonical(built)
	require.NoError(t, err)
	b, err := Canonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonical_DistinguishesPendingFromReal(t *testing.T) {
	a, err := Canonical(From("likes").Where(Eq("article_id", ir.PendingKey("p-1"))).Build())
	require.NoError(t, err)
	b, err := Canonical(From("likes").Where(Eq("article_id", ir.RealKey(1))).Build())
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(b))
}
