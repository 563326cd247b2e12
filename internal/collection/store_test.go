package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

func articlesSpec() *ir.CollectionSpec {
	return &ir.CollectionSpec{
		Name:   "articles",
		Fields: []ir.FieldSpec{{Name: "title", Type: "string"}},
		Refs:   []ir.RefSpec{{Field: "author_id", To: "users"}},
	}
}

func likesSpec() *ir.CollectionSpec {
	return &ir.CollectionSpec{
		Name: "likes",
		Refs: []ir.RefSpec{
			{Field: "article_id", To: "articles"},
			{Field: "user_id", To: "users"},
		},
		Unique: [][]string{{"article_id", "user_id"}},
	}
}

func commentsSpec() *ir.CollectionSpec {
	return &ir.CollectionSpec{
		Name:   "comments",
		Fields: []ir.FieldSpec{{Name: "body", Type: "string"}},
		Refs:   []ir.RefSpec{{Field: "parent_id", To: "comments", Optional: true}},
		Parent: "parent_id",
	}
}

func keys(entries []Entry) []ir.Key {
	out := make([]ir.Key, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestPutGetNormalizesKeyAndRefs(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"title": ir.IRString("a"), "author_id": ir.IRInt(7)}, StateSynced, ""))

	e, ok := s.Get(ir.RealKey(1))
	require.True(t, ok)
	assert.Equal(t, ir.RealKey(1), e.Record["id"], "key field is set from the key")
	assert.Equal(t, ir.RealKey(7), e.Record["author_id"], "integer refs become keys")
	assert.Equal(t, StateSynced, e.State)
	assert.Empty(t, e.TxID)
}

func TestPutClonesInput(t *testing.T) {
	s := New(articlesSpec())
	rec := ir.IRObject{"title": ir.IRString("a")}
	require.NoError(t, s.Put(ir.RealKey(1), rec, StateSynced, ""))
	rec["title"] = ir.IRString("mutated")

	e, _ := s.Get(ir.RealKey(1))
	assert.Equal(t, ir.IRString("a"), e.Record["title"])
}

func TestPutRejectsInvalidRef(t *testing.T) {
	s := New(articlesSpec())
	err := s.Put(ir.RealKey(1), ir.IRObject{"author_id": ir.IRString("bob")}, StateSynced, "")
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
	assert.Equal(t, 0, s.Len())
}

func TestPutConflictsWithOtherTransaction(t *testing.T) {
	s := New(articlesSpec())
	key := ir.PendingKey("p1")
	require.NoError(t, s.Put(key, ir.IRObject{"title": ir.IRString("draft")}, StatePending, "tx-1"))

	var events []ChangeEvent
	s.OnChange(func(ev ChangeEvent) { events = append(events, ev) })

	err := s.Put(key, ir.IRObject{"title": ir.IRString("other")}, StatePending, "tx-2")
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))
	assert.Empty(t, events, "rejected write notifies nobody")

	e, _ := s.Get(key)
	assert.Equal(t, ir.IRString("draft"), e.Record["title"])

	// Same transaction may keep writing.
	require.NoError(t, s.Put(key, ir.IRObject{"title": ir.IRString("v2")}, StatePending, "tx-1"))
	// Writes outside a transaction are conflicts too.
	err = s.Put(key, ir.IRObject{"title": ir.IRString("v3")}, StateSynced, "")
	assert.True(t, ir.IsConflict(err))
}

func TestRemoveConflict(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{}, StatePending, "tx-1"))

	_, err := s.Remove(ir.RealKey(1), "tx-2")
	assert.True(t, ir.IsConflict(err))

	removed, err := s.Remove(ir.RealKey(1), "tx-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ir.RealKey(1), "tx-1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListenersRunSynchronouslyAfterWrite(t *testing.T) {
	s := New(articlesSpec())
	var seen []ChangeKind
	cancel := s.OnChange(func(ev ChangeEvent) {
		// The write is visible to readers inside the listener.
		_, ok := s.Get(ev.Key)
		assert.Equal(t, ev.Kind != ChangeDelete, ok)
		seen = append(seen, ev.Kind)
	})

	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"title": ir.IRString("x")}, StateSynced, ""))
	_, err := s.Remove(ir.RealKey(1), "")
	require.NoError(t, err)

	assert.Equal(t, []ChangeKind{ChangeInsert, ChangeUpdate, ChangeDelete}, seen)

	cancel()
	require.NoError(t, s.Put(ir.RealKey(2), ir.IRObject{}, StateSynced, ""))
	assert.Len(t, seen, 3)
}

func TestNaturalOrderSurvivesUpdatesAndReplace(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(5), ir.IRObject{}, StateSynced, ""))
	require.NoError(t, s.Put(ir.PendingKey("p1"), ir.IRObject{}, StatePending, "tx-1"))
	require.NoError(t, s.Put(ir.RealKey(2), ir.IRObject{}, StateSynced, ""))

	require.NoError(t, s.Put(ir.RealKey(5), ir.IRObject{"title": ir.IRString("u")}, StateSynced, ""))
	require.NoError(t, s.Replace(ir.PendingKey("p1"), ir.RealKey(107), ir.IRObject{}, StateSynced, "tx-1"))

	assert.Equal(t, []ir.Key{ir.RealKey(5), ir.RealKey(107), ir.RealKey(2)}, keys(s.Snapshot()))
	_, ok := s.Get(ir.PendingKey("p1"))
	assert.False(t, ok)

	e, _ := s.Get(ir.RealKey(107))
	assert.Equal(t, StateSynced, e.State)
	assert.Equal(t, ir.RealKey(107), e.Record["id"])
}

func TestReplaceDropsDuplicateFetchedFirst(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.PendingKey("p1"), ir.IRObject{}, StatePending, "tx-1"))
	require.NoError(t, s.Put(ir.RealKey(107), ir.IRObject{}, StateSynced, ""))

	require.NoError(t, s.Replace(ir.PendingKey("p1"), ir.RealKey(107), ir.IRObject{}, StateSynced, "tx-1"))
	assert.Equal(t, []ir.Key{ir.RealKey(107)}, keys(s.Snapshot()))
}

func TestRestoreKeepsPosition(t *testing.T) {
	s := New(articlesSpec())
	for _, id := range []uint64{1, 2, 3} {
		require.NoError(t, s.Put(ir.RealKey(id), ir.IRObject{}, StateSynced, ""))
	}
	e, _ := s.Get(ir.RealKey(2))
	_, err := s.Remove(ir.RealKey(2), "tx-1")
	require.NoError(t, err)

	require.NoError(t, s.Restore(e, StateSynced))
	assert.Equal(t, []ir.Key{ir.RealKey(1), ir.RealKey(2), ir.RealKey(3)}, keys(s.Snapshot()))
}

func TestFindByNaturalKey(t *testing.T) {
	s := New(likesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"article_id": ir.IRInt(10), "user_id": ir.IRInt(3)}, StateSynced, ""))
	require.NoError(t, s.Put(ir.PendingKey("p1"), ir.IRObject{"article_id": ir.RealKey(11), "user_id": ir.RealKey(3)}, StatePending, "tx-1"))

	e, ok := s.FindBy(ir.IRObject{"article_id": ir.RealKey(10), "user_id": ir.IRInt(3)})
	require.True(t, ok)
	assert.Equal(t, ir.RealKey(1), e.Key)

	e, ok = s.FindBy(ir.IRObject{"user_id": ir.RealKey(3), "article_id": ir.RealKey(11)})
	require.True(t, ok)
	assert.Equal(t, ir.PendingKey("p1"), e.Key)

	_, ok = s.FindBy(ir.IRObject{"article_id": ir.RealKey(12), "user_id": ir.RealKey(3)})
	assert.False(t, ok)

	// Partial matches fall back to a scan.
	e, ok = s.FindBy(ir.IRObject{"user_id": ir.RealKey(3)})
	require.True(t, ok)
	assert.Equal(t, ir.RealKey(1), e.Key)

	_, err := s.Remove(ir.RealKey(1), "")
	require.NoError(t, err)
	_, ok = s.FindBy(ir.IRObject{"article_id": ir.RealKey(10), "user_id": ir.RealKey(3)})
	assert.False(t, ok, "index follows removals")
}

func TestChildrenIndex(t *testing.T) {
	s := New(commentsSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"body": ir.IRString("root")}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(2), ir.IRObject{"parent_id": ir.IRInt(1)}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(3), ir.IRObject{"parent_id": ir.IRNull{}}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(4), ir.IRObject{"parent_id": ir.RealKey(1)}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(5), ir.IRObject{"parent_id": ir.RealKey(4)}, StateSynced, ""))

	assert.Equal(t, []ir.Key{ir.RealKey(1), ir.RealKey(3)}, s.Children(ir.Key{}))
	assert.Equal(t, []ir.Key{ir.RealKey(2), ir.RealKey(4)}, s.Children(ir.RealKey(1)))
	assert.Equal(t, []ir.Key{ir.RealKey(5)}, s.Children(ir.RealKey(4)))

	// Re-parenting moves the child.
	require.NoError(t, s.Put(ir.RealKey(5), ir.IRObject{"parent_id": ir.RealKey(1)}, StateSynced, ""))
	assert.Equal(t, []ir.Key{ir.RealKey(2), ir.RealKey(4), ir.RealKey(5)}, s.Children(ir.RealKey(1)))
	assert.Empty(t, s.Children(ir.RealKey(4)))
}

func TestMergeProtectsPendingAndTombstones(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"title": ir.IRString("old")}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(2), ir.IRObject{"title": ir.IRString("mine")}, StatePending, "tx-1"))
	require.NoError(t, s.Put(ir.RealKey(3), ir.IRObject{"title": ir.IRString("gone")}, StateSynced, ""))
	require.NoError(t, s.Put(ir.PendingKey("p1"), ir.IRObject{"title": ir.IRString("new")}, StatePending, "tx-2"))

	var events []ChangeEvent
	s.OnChange(func(ev ChangeEvent) { events = append(events, ev) })

	changed, err := s.Merge([]ir.IRObject{
		{"id": ir.IRInt(1), "title": ir.IRString("fresh")},
		{"id": ir.IRInt(2), "title": ir.IRString("server")},
		{"id": ir.IRInt(4), "title": ir.IRString("tombstoned")},
		{"id": ir.IRInt(5), "title": ir.IRString("appended")},
	}, func(k ir.Key) bool { return k == ir.RealKey(4) })
	require.NoError(t, err)
	assert.Equal(t, 3, changed) // 1 updated, 3 removed, 5 inserted
	assert.Len(t, events, 3)

	e, _ := s.Get(ir.RealKey(1))
	assert.Equal(t, ir.IRString("fresh"), e.Record["title"])
	e, _ = s.Get(ir.RealKey(2))
	assert.Equal(t, ir.IRString("mine"), e.Record["title"], "pending record is never overwritten")
	assert.Equal(t, StatePending, e.State)

	assert.Equal(t, []ir.Key{ir.RealKey(1), ir.RealKey(2), ir.PendingKey("p1"), ir.RealKey(5)}, keys(s.Snapshot()))
}

func TestMergeIdenticalSnapshotIsSilent(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{"title": ir.IRString("a")}, StateSynced, ""))

	changed, err := s.Merge([]ir.IRObject{{"id": ir.IRInt(1), "title": ir.IRString("a")}}, nil)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestMergeRejectsRecordWithoutKey(t *testing.T) {
	s := New(articlesSpec())
	_, err := s.Merge([]ir.IRObject{{"title": ir.IRString("a")}}, nil)
	assert.True(t, ir.IsValidation(err))
}

func TestSetState(t *testing.T) {
	s := New(articlesSpec())
	require.NoError(t, s.Put(ir.RealKey(1), ir.IRObject{}, StateSynced, ""))
	require.NoError(t, s.Put(ir.RealKey(2), ir.IRObject{}, StatePending, "tx-1"))

	assert.True(t, s.SetState(ir.RealKey(1), StateError))
	assert.False(t, s.SetState(ir.RealKey(1), StateError), "no-op when unchanged")
	assert.False(t, s.SetState(ir.RealKey(2), StateError), "pending records are untouched")

	e, _ := s.Get(ir.RealKey(1))
	assert.Equal(t, StateError, e.State)
}
