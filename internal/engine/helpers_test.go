package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/live"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/store"
	"github.com/roach88/livedb/internal/testutil"
	"github.com/roach88/livedb/internal/txn"
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
			Name: "likes",
			Refs: []ir.RefSpec{
				{Field: "article_id", To: "articles", OnDelete: ir.OnDeleteCascade},
				{Field: "user_id", To: "users"},
			},
			Unique: [][]string{{"article_id", "user_id"}},
		},
	}
}

// session is an engine over a SQLite backend. Every collection adapter is
// wrapped in a Gate.
type session struct {
	t       *testing.T
	engine  *Engine
	reg     *registry.Registry
	backend *store.Store
	gates   map[string]*adapter.Gate
}

func newSession(t *testing.T, opts ...Option) *session {
	t.Helper()
	ctx := context.Background()

	backend, err := store.Open(filepath.Join(t.TempDir(), "backend.db"), store.WithClock(testutil.NewClock()))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	require.NoError(t, backend.EnsureCollections(ctx, testSpecs()))

	s := &session{t: t, reg: registry.New(), backend: backend, gates: map[string]*adapter.Gate{}}
	for _, spec := range testSpecs() {
		gate := adapter.NewGate(adapter.NewSQL(backend, spec.Name))
		_, err := s.reg.Register(spec, gate, nil)
		require.NoError(t, err)
		s.gates[spec.Name] = gate
	}

	defaults := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithKeyGenerator(testutil.NewSequenceGenerator("p-")),
		WithTxIDGenerator(testutil.NewSequenceGenerator("tx-")),
		WithAutoRefresh(false),
	}
	s.engine = New(s.reg, append(defaults, opts...)...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.engine.Run(runCtx)
	}()
	t.Cleanup(func() {
		// Let released adapter calls finish before the backend closes.
		for _, g := range s.gates {
			g.ReleaseAll()
		}
		cancel()
		<-done
		s.engine.Stop()
	})
	return s
}

// seed writes rows straight to the backend and loads every collection.
func (s *session) seed(collectionName string, records ...ir.IRObject) {
	s.t.Helper()
	_, err := s.backend.Insert(context.Background(), "seed", collectionName, records)
	require.NoError(s.t, err)
	require.NoError(s.t, s.engine.Load(context.Background()))
}

func (s *session) store(name string) *collection.Store {
	s.t.Helper()
	st, ok := s.reg.Store(name)
	require.True(s.t, ok, name)
	return st
}

func (s *session) entry(name string, key ir.Key) (collection.Entry, bool) {
	return s.store(name).Get(key)
}

func (s *session) backendRows(name string) []ir.IRObject {
	s.t.Helper()
	rows, err := s.backend.FetchAll(context.Background(), name)
	require.NoError(s.t, err)
	return rows
}

// writes returns the insert, update and delete calls that reached a
// collection's adapter. Fetches from loads and refreshes are left out.
func (s *session) writes(name string) []adapter.Call {
	var out []adapter.Call
	for _, c := range s.gates[name].Calls() {
		if c.Op != adapter.OpFetch {
			out = append(out, c)
		}
	}
	return out
}

// settle waits until nothing is in flight.
func (s *session) settle() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.t, s.engine.Settle(ctx))
}

// waitHeld blocks until n calls are held at the gate.
func (s *session) waitHeld(name string, n int) {
	s.t.Helper()
	require.Eventually(s.t, func() bool { return s.gates[name].Waiting() >= n },
		5*time.Second, time.Millisecond, "%s: %d held calls", name, n)
}

func wait(t *testing.T, h *txn.Handle) txn.Result {
	t.Helper()
	require.NotNil(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, _ := h.Wait(ctx)
	require.True(t, res.Outcome != "", "transaction %s did not settle", h.ID())
	return res
}

// entryDiff compares Entity Store snapshots including natural order.
func entryDiff(want, got []collection.Entry) string {
	return cmp.Diff(want, got,
		cmp.Comparer(func(a, b ir.Key) bool { return a == b }),
		cmp.AllowUnexported(collection.Entry{}),
	)
}

// recorder collects view deliveries. Deliveries happen on the caller's
// goroutine or on the Run goroutine.
type recorder struct {
	mu  sync.Mutex
	got []live.Result
}

func (r *recorder) fn(res live.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) last() live.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func user(id uint64, name string) ir.IRObject {
	return ir.IRObject{"id": ir.RealKey(id), "name": ir.IRString(name)}
}

func article(id uint64, title string, author uint64) ir.IRObject {
	return ir.IRObject{"id": ir.RealKey(id), "title": ir.IRString(title), "author_id": ir.RealKey(author)}
}

func like(articleID, userID ir.Key) ir.IRObject {
	return ir.IRObject{"article_id": articleID, "user_id": userID}
}
