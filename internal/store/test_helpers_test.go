package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/testutil"
)

// createTestStore creates a new store in a temp dir with a deterministic
// clock and the test collections registered.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(testutil.NewClock()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureCollections(context.Background(), testSpecs()); err != nil {
		t.Fatalf("EnsureCollections() failed: %v", err)
	}
	return s
}

func testSpecs() []*ir.CollectionSpec {
	return []*ir.CollectionSpec{
		{
			Name:   "users",
			Fields: []ir.FieldSpec{{Name: "name", Type: "string"}},
		},
		{
			Name:   "categories",
			Fields: []ir.FieldSpec{{Name: "name", Type: "string"}},
		},
		{
			Name: "articles",
			Fields: []ir.FieldSpec{
				{Name: "title", Type: "string"},
				{Name: "published", Type: "bool"},
				{Name: "tags", Type: "array", Optional: true},
			},
			Refs: []ir.RefSpec{
				{Field: "author_id", To: "users"},
				{Field: "category_id", To: "categories", Optional: true},
			},
			Timestamps: map[string]string{"created_at": ir.StampInsert, "updated_at": ir.StampWrite},
		},
		{
			Name: "likes",
			Refs: []ir.RefSpec{
				{Field: "article_id", To: "articles", OnDelete: ir.OnDeleteCascade},
				{Field: "user_id", To: "users"},
			},
			Unique: [][]string{{"article_id", "user_id"}},
		},
		{
			Name:   "session",
			Fields: []ir.FieldSpec{{Name: "user_id", Type: "int"}},
			Local:  true,
		},
	}
}

// seed inserts records and returns them as stored.
func seed(t *testing.T, s *Store, collection string, records ...ir.IRObject) []ir.IRObject {
	t.Helper()
	out, err := s.Insert(context.Background(), "seed", collection, records)
	if err != nil {
		t.Fatalf("seed %s: %v", collection, err)
	}
	return out
}
