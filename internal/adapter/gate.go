package adapter

import (
	"context"
	"sync"

	"github.com/roach88/livedb/internal/ir"
)

// Call records one adapter invocation seen by a Gate.
type Call struct {
	Op    Op
	Count int
}

// Gate wraps an Adapter so callers can hold operations until released and
// inject failures. It makes the in-flight window of a transaction
// observable in tests, scenarios and demos.
type Gate struct {
	inner Adapter

	mu       sync.Mutex
	held     map[Op]bool
	waiting  []*gatedCall
	failures map[Op][]error
	calls    []Call
}

type gatedCall struct {
	op      Op
	release chan struct{}
	done    chan struct{}
}

var _ Adapter = (*Gate)(nil)

// NewGate wraps inner.
func NewGate(inner Adapter) *Gate {
	return &Gate{
		inner:    inner,
		held:     make(map[Op]bool),
		failures: make(map[Op][]error),
	}
}

// Hold makes subsequent calls of the given operations block until
// released.
func (g *Gate) Hold(ops ...Op) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, op := range ops {
		g.held[op] = true
	}
}

// Fail makes the next call of op fail with err without reaching the
// wrapped adapter. Multiple failures queue up.
func (g *Gate) Fail(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

// Waiting returns the number of calls currently blocked.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}

// WaitingOps returns the operations of blocked calls in arrival order.
func (g *Gate) WaitingOps() []Op {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Op, len(g.waiting))
	for i, c := range g.waiting {
		out[i] = c.op
	}
	return out
}

// ReleaseNext lets the oldest blocked call proceed and waits until the
// wrapped adapter has returned. Reports false when nothing was blocked.
func (g *Gate) ReleaseNext() bool {
	g.mu.Lock()
	if len(g.waiting) == 0 {
		g.mu.Unlock()
		return false
	}
	c := g.waiting[0]
	g.waiting = g.waiting[1:]
	g.mu.Unlock()

	close(c.release)
	<-c.done
	return true
}

// ReleaseAll stops holding every operation and releases blocked calls
// one at a time, oldest first.
func (g *Gate) ReleaseAll() {
	g.mu.Lock()
	g.held = make(map[Op]bool)
	g.mu.Unlock()
	for g.ReleaseNext() {
	}
}

// Calls returns every call that reached the gate, in arrival order.
func (g *Gate) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// enter records the call, blocks while op is held, and returns an
// injected failure if one is queued. The returned func must be called
// when the call finishes.
func (g *Gate) enter(ctx context.Context, op Op, count int) (func(), error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Op: op, Count: count})
	var c *gatedCall
	if g.held[op] {
		c = &gatedCall{op: op, release: make(chan struct{}), done: make(chan struct{})}
		g.waiting = append(g.waiting, c)
	}
	g.mu.Unlock()

	finish := func() {}
	if c != nil {
		finish = func() { close(c.done) }
		select {
		case <-c.release:
		case <-ctx.Done():
			g.mu.Lock()
			for i, w := range g.waiting {
				if w == c {
					g.waiting = append(g.waiting[:i], g.waiting[i+1:]...)
					break
				}
			}
			g.mu.Unlock()
			return func() {}, ir.AsSyncError(ctx.Err(), "")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.failures[op]; len(q) > 0 {
		g.failures[op] = q[1:]
		return finish, q[0]
	}
	return finish, nil
}

func (g *Gate) FetchAll(ctx context.Context) ([]ir.IRObject, error) {
	finish, err := g.enter(ctx, OpFetch, 0)
	defer finish()
	if err != nil {
		return nil, err
	}
	return g.inner.FetchAll(ctx)
}

func (g *Gate) OnInsert(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error) {
	finish, err := g.enter(ctx, OpInsert, len(muts))
	defer finish()
	if err != nil {
		return nil, err
	}
	return g.inner.OnInsert(ctx, muts)
}

func (g *Gate) OnUpdate(ctx context.Context, muts []ir.Mutation) error {
	finish, err := g.enter(ctx, OpUpdate, len(muts))
	defer finish()
	if err != nil {
		return err
	}
	return g.inner.OnUpdate(ctx, muts)
}

func (g *Gate) OnDelete(ctx context.Context, muts []ir.Mutation) error {
	finish, err := g.enter(ctx, OpDelete, len(muts))
	defer finish()
	if err != nil {
		return err
	}
	return g.inner.OnDelete(ctx, muts)
}
