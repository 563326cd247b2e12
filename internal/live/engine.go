package live

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
	"github.com/roach88/livedb/internal/registry"
)

// Engine evaluates queries over the registry's Entity Stores and keeps
// live views up to date.
//
// Every write to a store must happen inside Batch. Batch holds the tick
// lock while the writes run and while every affected view is recomputed,
// then delivers changed results before it returns. Deliveries run after
// the tick lock is released and are serialized in tick order, so a
// callback may read (Query) but must not call Batch.
type Engine struct {
	reg    *registry.Registry
	logger *slog.Logger

	tick     sync.Mutex
	views    map[string]*View
	watching map[string]func() // collection -> listener cancel
	nextView uint64

	dmu     sync.Mutex
	dirty   map[*View]struct{}
	readers map[string]map[*View]struct{} // collection -> views reading it

	omu    sync.Mutex
	outbox []delivery

	deliverMu sync.Mutex
}

// View is a materialized query shared by every subscription with the
// same canonical query and bindings.
type View struct {
	id       string
	seq      uint64
	query    *queryir.Query
	bindings ir.IRObject

	last    []byte
	result  Result
	subs    []*Subscription
	nextSub uint64
}

// ID returns the view identity (ir.ViewID).
func (v *View) ID() string { return v.id }

// Subscription delivers a view's results to one callback.
type Subscription struct {
	engine *Engine
	view   *View
	id     uint64
	fn     func(Result)
	closed atomic.Bool
}

type delivery struct {
	subs   []*Subscription
	result Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine over reg.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		logger:   slog.Default(),
		views:    make(map[string]*View),
		watching: make(map[string]func()),
		dirty:    make(map[*View]struct{}),
		readers:  make(map[string]map[*View]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Batch runs fn as one tick: fn's store writes, the recompute of every
// view they touched, and delivery of changed results. The error of fn is
// returned; views are recomputed either way.
func (e *Engine) Batch(fn func() error) error {
	e.tick.Lock()
	var err error
	if fn != nil {
		err = fn()
	}
	e.recomputeLocked()
	e.tick.Unlock()

	e.deliver()
	return err
}

// Subscribe checks q, attaches fn to the view for (q, bindings) and
// delivers the current result to fn before returning. Every binding the
// query names must be supplied.
func (e *Engine) Subscribe(q *queryir.Query, bindings ir.IRObject, fn func(Result)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	id, err := e.prepare(q, bindings)
	if err != nil {
		return nil, err
	}

	e.tick.Lock()
	v, ok := e.views[id]
	if !ok {
		v = &View{id: id, seq: e.nextView, query: q, bindings: bindings.Clone()}
		e.nextView++
		if err := e.refreshView(v); err != nil {
			e.tick.Unlock()
			return nil, err
		}
		e.views[id] = v
		e.dmu.Lock()
		for _, c := range q.Collections() {
			if e.readers[c] == nil {
				e.readers[c] = make(map[*View]struct{})
			}
			e.readers[c][v] = struct{}{}
		}
		e.dmu.Unlock()
		for _, c := range q.Collections() {
			e.watch(c)
		}
		e.logger.Debug("view created", "event", "view_created", "view", shortID(id), "from", q.From.Collection)
	}
	sub := &Subscription{engine: e, view: v, id: v.nextSub, fn: fn}
	v.nextSub++
	v.subs = append(v.subs, sub)
	e.enqueue(delivery{subs: []*Subscription{sub}, result: v.result})
	e.tick.Unlock()

	e.deliver()
	return sub, nil
}

// Query evaluates q once without creating a view.
func (e *Engine) Query(q *queryir.Query, bindings ir.IRObject) (Result, error) {
	if _, err := e.prepare(q, bindings); err != nil {
		return Result{}, err
	}
	e.tick.Lock()
	defer e.tick.Unlock()
	rows, err := evaluate(q, bindings, e.snapshot)
	if err != nil {
		return Result{}, err
	}
	enc, err := encode(rows)
	if err != nil {
		return Result{}, fmt.Errorf("query: %w", err)
	}
	return newResult(rows, q.One, xxhash.Sum64(enc)), nil
}

// ViewCount returns the number of live views.
func (e *Engine) ViewCount() int {
	e.tick.Lock()
	defer e.tick.Unlock()
	return len(e.views)
}

// Close detaches the subscription. The view is destroyed with its last
// subscriber. Close is idempotent and never affects in-flight
// transactions.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	e := s.engine
	e.tick.Lock()
	defer e.tick.Unlock()

	v := s.view
	v.subs = slices.DeleteFunc(v.subs, func(o *Subscription) bool { return o == s })
	if len(v.subs) > 0 {
		return
	}
	delete(e.views, v.id)
	e.dmu.Lock()
	delete(e.dirty, v)
	for _, c := range v.query.Collections() {
		delete(e.readers[c], v)
	}
	e.dmu.Unlock()
	e.logger.Debug("view destroyed", "event", "view_destroyed", "view", shortID(v.id))
}

// Current returns the last result of the subscription's view.
func (s *Subscription) Current() Result {
	e := s.engine
	e.tick.Lock()
	defer e.tick.Unlock()
	return s.view.result
}

// ViewID returns the identity of the subscription's view.
func (s *Subscription) ViewID() string { return s.view.id }

func (e *Engine) prepare(q *queryir.Query, bindings ir.IRObject) (string, error) {
	if q == nil {
		return "", ir.Errorf(ir.ErrCodeValidation, "", "nil query")
	}
	if err := queryir.Check(q, e.reg.Spec); err != nil {
		return "", err
	}
	for _, name := range q.Bindings() {
		if _, ok := bindings[name]; !ok {
			return "", ir.Errorf(ir.ErrCodeValidation, q.From.Collection, "missing binding %q", name)
		}
	}
	canonical, err := queryir.Canonical(q)
	if err != nil {
		return "", err
	}
	return ir.ViewID(canonical, bindings)
}

// watch installs the dirty-marking listener for a collection once.
// Called with the tick lock held.
func (e *Engine) watch(name string) {
	if _, ok := e.watching[name]; ok {
		return
	}
	st, ok := e.reg.Store(name)
	if !ok {
		return
	}
	e.watching[name] = st.OnChange(func(ev collection.ChangeEvent) {
		e.markDirty(ev.Collection)
	})
}

func (e *Engine) markDirty(name string) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	for v := range e.readers[name] {
		e.dirty[v] = struct{}{}
	}
}

// recomputeLocked re-evaluates dirty views in creation order and queues a
// delivery for each one whose encoding changed.
func (e *Engine) recomputeLocked() {
	e.dmu.Lock()
	dirty := make([]*View, 0, len(e.dirty))
	for v := range e.dirty {
		dirty = append(dirty, v)
	}
	clear(e.dirty)
	e.dmu.Unlock()

	slices.SortFunc(dirty, func(a, b *View) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	for _, v := range dirty {
		if e.views[v.id] != v {
			continue
		}
		prev := v.last
		if err := e.refreshView(v); err != nil {
			e.logger.Error("view recompute failed", "view", shortID(v.id), "error", err)
			continue
		}
		if bytes.Equal(prev, v.last) {
			continue
		}
		e.enqueue(delivery{subs: slices.Clone(v.subs), result: v.result})
	}
}

// refreshView evaluates v and stores its result and encoding.
func (e *Engine) refreshView(v *View) error {
	rows, err := evaluate(v.query, v.bindings, e.snapshot)
	if err != nil {
		return err
	}
	enc, err := encode(rows)
	if err != nil {
		return fmt.Errorf("encode view %s: %w", shortID(v.id), err)
	}
	v.last = enc
	v.result = newResult(rows, v.query.One, xxhash.Sum64(enc))
	return nil
}

func (e *Engine) snapshot(name string) ([]collection.Entry, error) {
	st, ok := e.reg.Store(name)
	if !ok {
		return nil, ir.Errorf(ir.ErrCodeValidation, name, "unknown collection")
	}
	return st.Snapshot(), nil
}

func (e *Engine) enqueue(d delivery) {
	e.omu.Lock()
	e.outbox = append(e.outbox, d)
	e.omu.Unlock()
}

// deliver drains the outbox in order. Whoever holds deliverMu delivers
// every queued result, including those queued by later ticks, so a tick
// returns only after its own results were delivered.
func (e *Engine) deliver() {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	for {
		e.omu.Lock()
		if len(e.outbox) == 0 {
			e.omu.Unlock()
			return
		}
		d := e.outbox[0]
		e.outbox[0] = delivery{}
		e.outbox = e.outbox[1:]
		e.omu.Unlock()

		for _, sub := range d.subs {
			if sub.closed.Load() {
				continue
			}
			sub.fn(d.result)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
