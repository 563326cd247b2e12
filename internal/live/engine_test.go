package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

func TestSubscribe_DeliversCurrentResultImmediately(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("users").Build(), nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, rec.got, 1)
	assert.Equal(t, 3, rec.last().Len())
	assert.Equal(t, rec.last(), sub.Current())
}

func TestSubscribe_RecomputesOnChange(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("users").OrderBy("name", false).Build(), nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()

	put(t, e, reg, "users", ir.IRObject{"id": ir.RealKey(4), "name": ir.IRString("abe")})

	require.Len(t, rec.got, 2)
	assert.Equal(t, []ir.IRValue{ir.RealKey(4), ir.RealKey(1), ir.RealKey(2), ir.RealKey(3)}, rec.last().Keys("id"))
}

func TestSubscribe_DeliversOnlyWhenContentChanges(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("articles").Select(queryir.Col("title", "title")).Build(), nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()

	// Same values round-trip: no delivery.
	put(t, e, reg, "articles", ir.IRObject{"id": ir.RealKey(10), "title": ir.IRString("b-side"), "views": ir.IRInt(5), "author_id": ir.RealKey(1), "category_id": ir.RealKey(2)})
	// A field the view does not project changes: no delivery.
	put(t, e, reg, "articles", ir.IRObject{"id": ir.RealKey(10), "title": ir.IRString("b-side"), "views": ir.IRInt(6), "author_id": ir.RealKey(1)})
	// Unrelated collection: no delivery.
	put(t, e, reg, "users", ir.IRObject{"id": ir.RealKey(9), "name": ir.IRString("zed")})
	assert.Len(t, rec.got, 1)

	put(t, e, reg, "articles", ir.IRObject{"id": ir.RealKey(10), "title": ir.IRString("b-side 2"), "author_id": ir.RealKey(1)})
	require.Len(t, rec.got, 2)

	for i := 1; i < len(rec.got); i++ {
		assert.NotEqual(t, rec.got[i-1].Fingerprint, rec.got[i].Fingerprint)
	}
}

func TestSubscribe_BatchDeliversOncePerTick(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	q := queryir.From("articles", "a").
		Join("users", "u", queryir.On("a.author_id", "u.id")).
		Select(queryir.Col("title", "a.title"), queryir.Col("author", "u.name")).
		Build()
	rec := &recorder{}
	sub, err := e.Subscribe(q, nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()

	users, _ := reg.Store("users")
	articles, _ := reg.Store("articles")
	require.NoError(t, e.Batch(func() error {
		if err := users.Put(ir.RealKey(5), ir.IRObject{"name": ir.IRString("eve")}, collection.StateSynced, ""); err != nil {
			return err
		}
		return articles.Put(ir.RealKey(20), ir.IRObject{"title": ir.IRString("new"), "author_id": ir.RealKey(5)}, collection.StateSynced, "")
	}))

	// One delivery that already sees both writes.
	require.Len(t, rec.got, 2)
	assert.Contains(t, rec.last().Rows, ir.IRObject{"title": ir.IRString("new"), "author": ir.IRString("eve")})
}

func TestSubscribe_SharesViews(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	build := func() *queryir.Query {
		return queryir.From("articles").Where(queryir.Bound("author_id", "me")).Build()
	}
	a, b, c := &recorder{}, &recorder{}, &recorder{}

	s1, err := e.Subscribe(build(), ir.IRObject{"me": ir.RealKey(1)}, a.fn)
	require.NoError(t, err)
	s2, err := e.Subscribe(build(), ir.IRObject{"me": ir.RealKey(1)}, b.fn)
	require.NoError(t, err)
	s3, err := e.Subscribe(build(), ir.IRObject{"me": ir.RealKey(2)}, c.fn)
	require.NoError(t, err)

	assert.Equal(t, s1.ViewID(), s2.ViewID())
	assert.NotEqual(t, s1.ViewID(), s3.ViewID())
	assert.Equal(t, 2, e.ViewCount())

	put(t, e, reg, "articles", ir.IRObject{"id": ir.RealKey(30), "title": ir.IRString("mine"), "author_id": ir.RealKey(1)})
	assert.Len(t, a.got, 2)
	assert.Len(t, b.got, 2)
	assert.Len(t, c.got, 1)

	s1.Close()
	assert.Equal(t, 2, e.ViewCount(), "view lives while a subscriber remains")
	s2.Close()
	s2.Close()
	assert.Equal(t, 1, e.ViewCount())
	s3.Close()
	assert.Equal(t, 0, e.ViewCount())
}

func TestSubscribe_ClosedSubscriberStopsReceiving(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("users").Build(), nil, rec.fn)
	require.NoError(t, err)
	sub.Close()

	put(t, e, reg, "users", ir.IRObject{"id": ir.RealKey(8), "name": ir.IRString("hal")})
	assert.Len(t, rec.got, 1)
}

func TestSubscribe_FindOneNotFoundThenFound(t *testing.T) {
	e, reg := newTestEngine(t)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("users").Where(queryir.Eq("id", ir.IRInt(1))).FindOne().Build(), nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()
	assert.True(t, rec.last().NotFound())

	put(t, e, reg, "users", ir.IRObject{"id": ir.RealKey(1), "name": ir.IRString("ada")})
	row, ok := rec.last().Row()
	require.True(t, ok)
	assert.Equal(t, ir.IRString("ada"), row["name"])
}

func TestSubscribe_CallbackMayRead(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	var counts []int
	sub, err := e.Subscribe(queryir.From("users").Build(), nil, func(Result) {
		res, err := e.Query(queryir.From("users").Build(), nil)
		require.NoError(t, err)
		counts = append(counts, res.Len())
	})
	require.NoError(t, err)
	defer sub.Close()

	put(t, e, reg, "users", ir.IRObject{"id": ir.RealKey(4), "name": ir.IRString("dee")})
	assert.Equal(t, []int{3, 4}, counts)
}

func TestSubscribe_Errors(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Subscribe(queryir.From("users").Build(), nil, nil)
	assert.Error(t, err)

	_, err = e.Subscribe(queryir.From("users").Where(queryir.Bound("id", "who")).Build(), nil, func(Result) {})
	assert.True(t, ir.IsValidation(err))

	_, err = e.Subscribe(queryir.From("users").OrderBy("nope", false).Build(), nil, func(Result) {})
	assert.True(t, ir.IsValidation(err))
	assert.Equal(t, 0, e.ViewCount())
}

func TestBatch_ReturnsErrorAndStillRecomputes(t *testing.T) {
	e, reg := newTestEngine(t)
	seedCMS(t, e, reg)

	rec := &recorder{}
	sub, err := e.Subscribe(queryir.From("users").Build(), nil, rec.fn)
	require.NoError(t, err)
	defer sub.Close()

	users, _ := reg.Store("users")
	err = e.Batch(func() error {
		if err := users.Put(ir.RealKey(7), ir.IRObject{"name": ir.IRString("x")}, collection.StateSynced, ""); err != nil {
			return err
		}
		return ir.Errorf(ir.ErrCodeNetwork, "users", "boom")
	})
	assert.True(t, ir.IsNetwork(err))
	assert.Len(t, rec.got, 2)
}
