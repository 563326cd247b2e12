package live

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/registry"
)

func testSpecs() []*ir.CollectionSpec {
	return []*ir.CollectionSpec{
		{Name: "users", Fields: []ir.FieldSpec{{Name: "name", Type: "string"}}},
		{Name: "categories", Fields: []ir.FieldSpec{{Name: "name", Type: "string"}}},
		{
			Name:   "articles",
			Fields: []ir.FieldSpec{{Name: "title", Type: "string"}, {Name: "views", Type: "int", Optional: true}},
			Refs: []ir.RefSpec{
				{Field: "author_id", To: "users"},
				{Field: "category_id", To: "categories", Optional: true},
			},
		},
		{
			Name:   "comments",
			Fields: []ir.FieldSpec{{Name: "body", Type: "string"}},
			Refs: []ir.RefSpec{
				{Field: "article_id", To: "articles"},
				{Field: "parent_id", To: "comments", Optional: true},
			},
			Parent: "parent_id",
		},
		{
			Name:   "likes",
			Refs:   []ir.RefSpec{{Field: "article_id", To: "articles"}, {Field: "user_id", To: "users"}},
			Unique: [][]string{{"article_id", "user_id"}},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, spec := range testSpecs() {
		_, err := reg.Register(spec, &adapter.Funcs{Collection: spec.Name}, nil)
		require.NoError(t, err)
	}
	return New(reg), reg
}

// put writes synced records in one tick.
func put(t *testing.T, e *Engine, reg *registry.Registry, name string, recs ...ir.IRObject) {
	t.Helper()
	st, ok := reg.Store(name)
	require.True(t, ok, name)
	err := e.Batch(func() error {
		for _, rec := range recs {
			key, ok := ir.KeyOf(rec["id"])
			require.True(t, ok, "record without id: %v", rec)
			if err := st.Put(key, rec, collection.StateSynced, ""); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// seedCMS loads a small fixed data set.
func seedCMS(t *testing.T, e *Engine, reg *registry.Registry) {
	t.Helper()
	put(t, e, reg, "users",
		ir.IRObject{"id": ir.RealKey(1), "name": ir.IRString("ada")},
		ir.IRObject{"id": ir.RealKey(2), "name": ir.IRString("bob")},
		ir.IRObject{"id": ir.RealKey(3), "name": ir.IRString("cy")},
	)
	put(t, e, reg, "categories",
		ir.IRObject{"id": ir.RealKey(1), "name": ir.IRString("news")},
		ir.IRObject{"id": ir.RealKey(2), "name": ir.IRString("tech")},
	)
	put(t, e, reg, "articles",
		ir.IRObject{"id": ir.RealKey(10), "title": ir.IRString("b-side"), "views": ir.IRInt(5), "author_id": ir.RealKey(1), "category_id": ir.RealKey(2)},
		ir.IRObject{"id": ir.RealKey(11), "title": ir.IRString("alpha"), "views": ir.IRInt(7), "author_id": ir.RealKey(2), "category_id": ir.RealKey(2)},
		ir.IRObject{"id": ir.RealKey(12), "title": ir.IRString("cargo"), "author_id": ir.RealKey(1)},
		ir.IRObject{"id": ir.RealKey(13), "title": ir.IRString("alpha"), "views": ir.IRInt(2), "author_id": ir.RealKey(3), "category_id": ir.IRNull{}},
	)
	put(t, e, reg, "likes",
		ir.IRObject{"id": ir.RealKey(100), "article_id": ir.RealKey(10), "user_id": ir.RealKey(2)},
		ir.IRObject{"id": ir.RealKey(101), "article_id": ir.RealKey(10), "user_id": ir.RealKey(3)},
		ir.IRObject{"id": ir.RealKey(102), "article_id": ir.RealKey(11), "user_id": ir.RealKey(1)},
	)
}

// recorder collects deliveries.
type recorder struct {
	got []Result
}

func (r *recorder) fn(res Result) { r.got = append(r.got, res) }

func (r *recorder) last() Result { return r.got[len(r.got)-1] }
