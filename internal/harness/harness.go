package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/cms"
	"github.com/roach88/livedb/internal/compiler"
	"github.com/roach88/livedb/internal/engine"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/live"
	"github.com/roach88/livedb/internal/queryir"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/schema"
	"github.com/roach88/livedb/internal/store"
	"github.com/roach88/livedb/internal/testutil"
	"github.com/roach88/livedb/internal/txn"
)

// Timeout bounds how long one step may take to quiesce.
const Timeout = 10 * time.Second

// Harness is the test execution engine for one scenario run.
// Pending keys, transaction IDs, backend timestamps and trace sequence
// numbers all come from deterministic generators.
type Harness struct {
	engine  *engine.Engine
	backend *store.Store
	gates   map[string]*adapter.Gate
	logger  *slog.Logger

	mu     sync.Mutex
	clock  *testutil.Clock
	result *Result

	labels   map[string]label
	inflight []tracked
	subs     []*live.Subscription
}

// label is a key named by an insert's "as".
type label struct {
	collection string
	key        ir.Key
}

// tracked is a transaction whose settlement has not been traced yet.
type tracked struct {
	tx     string
	handle *txn.Handle
}

// scenarioError marks a malformed step, as opposed to a step the engine
// rejected.
type scenarioError struct{ err error }

func (e *scenarioError) Error() string { return e.err.Error() }
func (e *scenarioError) Unwrap() error { return e.err }

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory
// that is removed afterwards.
//
// Execution flow:
// 1. Compile the schema and open the backend
// 2. Seed backend rows and load every collection
// 3. Subscribe watches
// 4. Execute steps, quiescing after each
// 5. Evaluate assertions and return the result
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	s, err := loadSchema(scenario.Schema)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "livedb-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	backend, err := store.Open(filepath.Join(dir, "backend.db"), store.WithClock(testutil.NewClock()))
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	defer backend.Close()
	if err := backend.EnsureCollections(ctx, cms.Remote(s)); err != nil {
		return nil, fmt.Errorf("failed to create collections: %w", err)
	}

	h := &Harness{
		backend: backend,
		gates:   make(map[string]*adapter.Gate),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		clock:   testutil.NewClock(),
		result:  NewResult(),
		labels:  make(map[string]label),
	}

	reg := registry.New()
	err = cms.Register(reg, s, cms.Backend{
		Remote:   backend,
		LocalDir: dir,
		Wrap: func(name string, a adapter.Adapter) adapter.Adapter {
			g := adapter.NewGate(a)
			h.gates[name] = g
			return g
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register collections: %w", err)
	}

	h.engine = engine.New(reg,
		engine.WithLogger(h.logger),
		engine.WithKeyGenerator(testutil.NewSequenceGenerator("p-")),
		engine.WithTxIDGenerator(testutil.NewSequenceGenerator("tx-")),
		engine.WithAutoRefresh(false),
	)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(runCtx)
	}()
	defer func() {
		for _, sub := range h.subs {
			sub.Close()
		}
		for _, g := range h.gates {
			g.ReleaseAll()
		}
		cancel()
		<-done
		h.engine.Stop()
	}()

	if err := h.seed(ctx, s, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}
	if err := h.engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load collections: %w", err)
	}
	if err := h.watch(scenario.Watch); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := h.executeSteps(ctx, scenario.Steps); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Engine:  h.engine,
		Backend: backend,
		Value:   h.value,
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}

	return h.result, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return cms.LoadSchema()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return schema.Parse(data, path)
}

// seed writes rows straight to the backend. Blocks run in reference
// order, so a scenario may list articles before their authors.
func (h *Harness) seed(ctx context.Context, s *schema.Schema, blocks []SeedBlock) error {
	rank := make(map[string]int)
	for i, name := range compiler.InsertOrder(s.Specs()) {
		rank[name] = i
	}
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return rank[blocks[a].Collection] - rank[blocks[b].Collection]
	})

	for _, i := range order {
		block := blocks[i]
		spec, ok := h.engine.Registry().Spec(block.Collection)
		if !ok {
			return fmt.Errorf("seed[%d]: unknown collection %q", i, block.Collection)
		}
		if spec.Local {
			return fmt.Errorf("seed[%d]: %s is local to the device", i, block.Collection)
		}
		recs := make([]ir.IRObject, 0, len(block.Records))
		for j, raw := range block.Records {
			rec, err := h.record(spec, raw)
			if err != nil {
				return fmt.Errorf("seed[%d].records[%d]: %w", i, j, err)
			}
			recs = append(recs, rec)
		}
		if _, err := h.backend.Insert(ctx, "seed", block.Collection, recs); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	return nil
}

// watch subscribes every watch, tracing the initial delivery.
func (h *Harness) watch(watches []Watch) error {
	named := cms.Queries()
	for _, w := range watches {
		var q *queryir.Query
		if w.Spec != nil {
			var err error
			if q, err = w.Spec.Query(); err != nil {
				return fmt.Errorf("watch %s: %w", w.Name, err)
			}
		} else {
			mk, ok := named[w.Query]
			if !ok {
				return fmt.Errorf("watch %s: unknown query %q", w.Name, w.Query)
			}
			q = mk()
		}

		bindings := ir.IRObject{}
		for name, raw := range w.Bindings {
			v, err := h.value(raw)
			if err != nil {
				return fmt.Errorf("watch %s: binding %s: %w", w.Name, name, err)
			}
			bindings[name] = v
		}

		name := w.Name
		sub, err := h.engine.Live().Subscribe(q, bindings, func(res live.Result) {
			h.trace(TraceEvent{Type: EventDelivery, Watch: name, Rows: slices.Clone(res.Rows)})
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", w.Name, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// executeSteps runs every step and quiesces the session after each.
func (h *Harness) executeSteps(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		h.trace(TraceEvent{Type: EventStep, Step: i, Op: step.Op, Collection: step.Collection, As: step.As})

		rejected, err := h.execute(ctx, i, step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}

		switch {
		case rejected != nil:
			code := string(ir.CodeOf(rejected))
			h.trace(TraceEvent{Type: EventRejected, Step: i, Code: code})
			if step.Expect == nil {
				h.result.AddError(fmt.Sprintf("step %d (%s): rejected: %v", i, step.Op, rejected))
			} else if code != step.Expect.Rejected {
				h.result.AddError(fmt.Sprintf("step %d (%s): expected rejection %s, got %v", i, step.Op, step.Expect.Rejected, rejected))
			}
		case step.Expect != nil:
			h.result.AddError(fmt.Sprintf("step %d (%s): expected rejection %s, step was accepted", i, step.Op, step.Expect.Rejected))
		}

		if err := h.quiesce(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}

		h.logger.Info("step completed",
			"step", i,
			"op", step.Op,
			"collection", step.Collection,
			"rejected", rejected != nil,
		)
	}
	return nil
}

// execute runs one step. A rejection by the engine is returned as
// rejected; err reports a step the harness could not run.
func (h *Harness) execute(ctx context.Context, index int, st Step) (rejected, err error) {
	tx := st.As
	if tx == "" {
		tx = fmt.Sprintf("step%d", index)
	}

	switch st.Op {
	case OpInsert, OpUpdate, OpDelete, OpDeleteWhere:
		hd, rej := h.mutate(st)
		return h.accept(tx, hd, rej)

	case OpTransact:
		hd, rej := h.engine.Transact(func(etx *engine.Tx) error {
			for _, sub := range st.Steps {
				if err := h.mutateIn(etx, sub); err != nil {
					return err
				}
			}
			return nil
		})
		return h.accept(tx, hd, rej)

	case OpHold:
		ops := make([]adapter.Op, len(st.Ops))
		for i, op := range st.Ops {
			ops[i] = adapter.Op(op)
		}
		g, err := h.gate(st.Collection)
		if err != nil {
			return nil, err
		}
		g.Hold(ops...)
		return nil, nil

	case OpRelease:
		g, err := h.gate(st.Collection)
		if err != nil {
			return nil, err
		}
		n := max(st.Count, 1)
		for i := 0; i < n; i++ {
			if !g.ReleaseNext() {
				return nil, fmt.Errorf("no held call on %s to release", st.Collection)
			}
			if err := h.quiesce(); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case OpReleaseAll:
		g, err := h.gate(st.Collection)
		if err != nil {
			return nil, err
		}
		g.ReleaseAll()
		return nil, nil

	case OpFail:
		g, err := h.gate(st.Collection)
		if err != nil {
			return nil, err
		}
		msg := st.Message
		if msg == "" {
			msg = "injected failure"
		}
		g.Fail(adapter.Op(st.Ops[0]), ir.Errorf(ir.ErrorCode(st.Error), st.Collection, "%s", msg))
		return nil, nil

	case OpRefresh:
		return h.engine.Refresh(ctx, st.Collection), nil

	case OpSettle:
		sctx, cancel := context.WithTimeout(ctx, Timeout)
		defer cancel()
		return nil, h.engine.Settle(sctx)

	default:
		return nil, fmt.Errorf("unknown op %q", st.Op)
	}
}

// accept tracks an accepted transaction, or separates a malformed step
// from an engine rejection.
func (h *Harness) accept(tx string, hd *txn.Handle, rej error) (rejected, err error) {
	if rej != nil {
		var se *scenarioError
		if errors.As(rej, &se) {
			return nil, se.err
		}
		return rej, nil
	}
	h.inflight = append(h.inflight, tracked{tx: tx, handle: hd})
	return nil, nil
}

// mutate issues one top-level mutation.
func (h *Harness) mutate(st Step) (*txn.Handle, error) {
	spec, _ := h.engine.Registry().Spec(st.Collection)
	switch st.Op {
	case OpInsert:
		rec, err := h.record(spec, st.Record)
		if err != nil {
			return nil, &scenarioError{err}
		}
		hd, err := h.engine.Insert(st.Collection, rec)
		if err != nil {
			return nil, err
		}
		if st.As != "" {
			h.labels[st.As] = label{collection: st.Collection, key: hd.Key()}
		}
		return hd, nil

	case OpUpdate:
		key, set, err := h.updateArgs(spec, st)
		if err != nil {
			return nil, &scenarioError{err}
		}
		return h.engine.Update(st.Collection, key, setFields(set))

	case OpDelete:
		key, err := h.key(st.Key)
		if err != nil {
			return nil, &scenarioError{err}
		}
		return h.engine.Delete(st.Collection, key)

	default:
		match, err := h.record(spec, st.Match)
		if err != nil {
			return nil, &scenarioError{err}
		}
		return h.engine.DeleteWhere(st.Collection, match)
	}
}

// mutateIn issues one mutation inside a transaction.
func (h *Harness) mutateIn(tx *engine.Tx, st Step) error {
	spec, _ := h.engine.Registry().Spec(st.Collection)
	switch st.Op {
	case OpInsert:
		rec, err := h.record(spec, st.Record)
		if err != nil {
			return &scenarioError{err}
		}
		key, err := tx.Insert(st.Collection, rec)
		if err != nil {
			return err
		}
		if st.As != "" {
			h.labels[st.As] = label{collection: st.Collection, key: key}
		}
		return nil

	case OpUpdate:
		key, set, err := h.updateArgs(spec, st)
		if err != nil {
			return &scenarioError{err}
		}
		return tx.Update(st.Collection, key, setFields(set))

	case OpDelete:
		key, err := h.key(st.Key)
		if err != nil {
			return &scenarioError{err}
		}
		return tx.Delete(st.Collection, key)

	default:
		match, err := h.record(spec, st.Match)
		if err != nil {
			return &scenarioError{err}
		}
		_, err = tx.DeleteWhere(st.Collection, match)
		return err
	}
}

func (h *Harness) updateArgs(spec *ir.CollectionSpec, st Step) (ir.Key, ir.IRObject, error) {
	key, err := h.key(st.Key)
	if err != nil {
		return ir.Key{}, nil, err
	}
	set, err := h.record(spec, st.Set)
	if err != nil {
		return ir.Key{}, nil, err
	}
	return key, set, nil
}

func setFields(set ir.IRObject) engine.Mutator {
	return func(draft ir.IRObject) error {
		for field, v := range set {
			draft[field] = v
		}
		return nil
	}
}

func (h *Harness) gate(collection string) (*adapter.Gate, error) {
	g, ok := h.gates[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return g, nil
}

// quiesce waits until nothing can progress without another step, then
// traces the transactions that settled.
func (h *Harness) quiesce() error {
	deadline := time.Now().Add(Timeout)
	for !h.engine.Idle(h.held()) {
		if time.Now().After(deadline) {
			return fmt.Errorf("session did not quiesce within %s", Timeout)
		}
		time.Sleep(time.Millisecond)
	}
	h.collectSettled()
	return nil
}

func (h *Harness) held() int {
	n := 0
	for _, g := range h.gates {
		n += g.Waiting()
	}
	return n
}

// collectSettled traces settlements in the order transactions were
// issued.
func (h *Harness) collectSettled() {
	remaining := h.inflight[:0]
	for _, t := range h.inflight {
		select {
		case <-t.handle.Done():
		default:
			remaining = append(remaining, t)
			continue
		}
		res, _ := t.handle.Wait(context.Background())
		ev := TraceEvent{Type: EventSettled, Tx: t.tx, Outcome: string(res.Outcome)}
		if res.IsPersisted() {
			ev.Keys = t.handle.Keys()
		} else {
			ev.Code = string(ir.CodeOf(res.Err))
		}
		h.trace(ev)
	}
	h.inflight = remaining
}

// trace appends an event with the next sequence number. Deliveries
// arrive from the engine's goroutine as well as the step's.
func (h *Harness) trace(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Seq = h.clock.Next()
	h.result.Trace = append(h.result.Trace, ev)
}

// record converts a YAML mapping to a record. Integer key and reference
// fields become real keys.
func (h *Harness) record(spec *ir.CollectionSpec, raw map[string]any) (ir.IRObject, error) {
	rec := make(ir.IRObject, len(raw))
	for field, v := range raw {
		iv, err := h.value(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		rec[field] = iv
	}
	if spec == nil {
		return rec, nil
	}
	fields := []string{spec.KeyField()}
	for _, r := range spec.Refs {
		fields = append(fields, r.Field)
	}
	for _, f := range fields {
		if n, ok := rec[f].(ir.IRInt); ok {
			if k, ok := ir.KeyOf(n); ok {
				rec[f] = k
			}
		}
	}
	return rec, nil
}

func (h *Harness) key(raw any) (ir.Key, error) {
	v, err := h.value(raw)
	if err != nil {
		return ir.Key{}, err
	}
	k, ok := ir.KeyOf(v)
	if !ok {
		return ir.Key{}, fmt.Errorf("%v is not a key", raw)
	}
	return k, nil
}

// value converts a YAML-parsed value to an IRValue. A string "$name"
// stands for the key labelled name, resolved to its real key once the
// insert has been reconciled.
func (h *Harness) value(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, "$"); ok && name != "" {
			l, ok := h.labels[name]
			if !ok {
				return nil, fmt.Errorf("unknown label %q", name)
			}
			return h.engine.Resolve(l.collection, l.key), nil
		}
		return ir.IRString(val), nil
	case []any:
		arr := make(ir.IRArray, len(val))
		for i, elem := range val {
			iv, err := h.value(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = iv
		}
		return arr, nil
	case map[string]any:
		if token, ok := val["$pending"].(string); ok && len(val) == 1 {
			return ir.PendingKey(token), nil
		}
		obj := make(ir.IRObject, len(val))
		for k, elem := range val {
			iv, err := h.value(elem)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			obj[k] = iv
		}
		return obj, nil
	default:
		// YAML numbers arrive as int or float64; floats are rejected.
		return ir.FromGo(v)
	}
}
