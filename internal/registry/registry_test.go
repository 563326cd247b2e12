package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/ir"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	users := &ir.CollectionSpec{Name: "users", Fields: []ir.FieldSpec{{Name: "name", Type: "string"}}}
	articles := &ir.CollectionSpec{
		Name: "articles",
		Refs: []ir.RefSpec{{Field: "author_id", To: "users"}, {Field: "editor_id", To: "users", Optional: true}},
	}

	c, err := r.Register(users, &adapter.Funcs{Collection: "users"}, nil)
	require.NoError(t, err)
	assert.Same(t, users, c.Spec())
	_, err = r.Register(articles, &adapter.Funcs{Collection: "articles"}, nil)
	require.NoError(t, err)

	st, ok := r.Store("users")
	require.True(t, ok)
	assert.Equal(t, "users", st.Name())

	spec, ok := r.Spec("articles")
	require.True(t, ok)
	assert.Same(t, articles, spec)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"users", "articles"}, r.Names())
	assert.Equal(t, map[string][]string{"articles": {"author_id", "editor_id"}}, r.Referrers("users"))
}

func TestRegisterRejectsDuplicatesAndMissingAdapter(t *testing.T) {
	r := New()
	spec := &ir.CollectionSpec{Name: "tags"}

	_, err := r.Register(spec, nil, nil)
	assert.Error(t, err)

	_, err = r.Register(spec, &adapter.Funcs{}, nil)
	require.NoError(t, err)
	_, err = r.Register(spec, &adapter.Funcs{}, nil)
	assert.ErrorContains(t, err, "already registered")

	_, err = r.Register(&ir.CollectionSpec{}, &adapter.Funcs{}, nil)
	assert.Error(t, err)
}
