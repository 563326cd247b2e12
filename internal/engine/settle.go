package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/txn"
)

// flight is a committed transaction whose adapter calls have not been
// applied yet.
type flight struct {
	tx      *txn.Transaction
	steps   []*step
	batches []*batch
	waits   []*dependency
	inserts map[recordRef]bool
}

// parked reports whether f still waits on an earlier transaction.
func (f *flight) parked() bool {
	for _, d := range f.waits {
		select {
		case <-d.tx.Done():
		default:
			return true
		}
	}
	return false
}

// batch is one adapter call: steps of a single collection and kind.
type batch struct {
	collection string
	kind       ir.MutationKind
	steps      []*step
}

// settlement is the outcome of a flight's adapter calls.
type settlement struct {
	flight *flight

	// records holds, per batch, the persisted rows returned for inserts.
	records [][]ir.IRObject

	// failedAt is the index of the first failed batch; -1 when every call
	// succeeded.
	failedAt int
	err      error
}

// persist runs the adapter calls of f in batch order and queues the
// outcome. It runs in its own goroutine and never touches the stores.
func (e *Engine) persist(f *flight) {
	ctx := e.ctx
	out := &settlement{flight: f, failedAt: -1}
	defer func() {
		e.enqueue(Event{Type: EventTypeSettlement, Settlement: out})
	}()

	for _, d := range f.waits {
		select {
		case <-d.tx.Done():
		case <-ctx.Done():
			out.failedAt, out.err = 0, ir.AsSyncError(ctx.Err(), d.collection)
			return
		}
		res, _ := d.tx.Result()
		if res.IsPersisted() || d.order {
			continue
		}
		if d.step != nil {
			// The insert never reached the backend; there is nothing to delete.
			d.step.skip = true
			continue
		}
		out.failedAt, out.err = 0, res.Err
		return
	}

	// Keys assigned by earlier batches of this flight.
	local := map[recordRef]ir.Key{}
	resolve := func(coll string, k ir.Key) ir.Key {
		if real, ok := local[recordRef{coll, k}]; ok {
			return real
		}
		return e.Resolve(coll, k)
	}

	for i, b := range f.batches {
		spec, _ := e.reg.Spec(b.collection)
		muts := make([]ir.Mutation, 0, len(b.steps))
		for _, s := range b.steps {
			if s.skip {
				continue
			}
			m := s.m
			if m.Kind != ir.MutationInsert {
				m.Key = resolve(b.collection, m.Key)
			}
			if spec != nil {
				m.Original = e.rewriteRefs(spec, m.Original, resolve)
				m.Modified = e.rewriteRefs(spec, m.Modified, resolve)
			}
			muts = append(muts, m)
		}

		records, err := e.call(ctx, b, muts)
		if err != nil {
			out.failedAt, out.err = i, err
			e.logger.Debug("adapter call failed",
				"event", "adapter_error",
				"tx_id", f.tx.ID(),
				"collection", b.collection,
				"kind", string(b.kind),
				"code", string(ir.CodeOf(err)))
			return
		}
		if b.kind == ir.MutationInsert {
			for j, rec := range records {
				real, _ := ir.KeyOf(rec[spec.KeyField()])
				local[recordRef{b.collection, muts[j].Key}] = real
			}
		}
		out.records = append(out.records, records)
	}
}

// call invokes the adapter for one batch and checks what it returned.
func (e *Engine) call(ctx context.Context, b *batch, muts []ir.Mutation) ([]ir.IRObject, error) {
	if len(muts) == 0 {
		return nil, nil
	}
	c, ok := e.reg.Get(b.collection)
	if !ok {
		return nil, ir.Errorf(ir.ErrCodeNetwork, b.collection, "collection is not registered")
	}

	switch b.kind {
	case ir.MutationInsert:
		records, err := c.Adapter.OnInsert(ctx, muts)
		if err != nil {
			return nil, ir.AsSyncError(err, b.collection)
		}
		if len(records) != len(muts) {
			return nil, ir.Errorf(ir.ErrCodeNetwork, b.collection, "adapter returned %d records for %d inserts", len(records), len(muts))
		}
		keyField := c.Spec().KeyField()
		for _, rec := range records {
			if k, ok := ir.KeyOf(rec[keyField]); !ok || !k.IsReal() {
				return nil, ir.Errorf(ir.ErrCodeNetwork, b.collection, "adapter returned a record without a real %q", keyField)
			}
		}
		return records, nil
	case ir.MutationUpdate:
		return nil, adapterError(c.Adapter.OnUpdate(ctx, muts), b.collection)
	default:
		return nil, adapterError(c.Adapter.OnDelete(ctx, muts), b.collection)
	}
}

// applySettlement reconciles the persisted batches of a flight and rolls
// back the rest, in one tick. Waiters are released only after the tick's
// views were delivered.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) applySettlement(ctx context.Context, s *settlement) {
	f := s.flight
	failed := s.err != nil
	if failed {
		// Persisting or pending; both accept fail.
		_ = f.tx.Fail(ctx, s.err)
	}

	_ = e.live.Batch(func() error {
		for i, b := range f.batches {
			if failed && i >= s.failedAt {
				break
			}
			if i < len(s.records) {
				e.reconcile(f, b, s.records[i])
			} else {
				e.reconcile(f, b, nil)
			}
		}
		if failed {
			for j := len(f.steps) - 1; j >= 0; j-- {
				if st := f.steps[j]; st.batch >= s.failedAt && !st.skip {
					e.undo(st, f.tx.ID())
				}
			}
		}
		for _, d := range f.waits {
			if real, ok := e.alias(d.collection, d.key); ok {
				f.tx.Rekey(d.key, real)
			}
		}
		e.release(f)
		return nil
	})

	if failed {
		_ = f.tx.RollBack(ctx)
		e.logger.Info("transaction rolled back",
			"event", "tx_rolled_back",
			"tx_id", f.tx.ID(),
			"code", string(ir.CodeOf(s.err)),
			"error", s.err)
	} else {
		_ = f.tx.Succeed(ctx)
		e.logger.Debug("transaction persisted",
			"event", "tx_persisted",
			"tx_id", f.tx.ID(),
			"keys", len(f.tx.Keys()))
	}
	e.busy.Add(-1)
}

// reconcile marks the steps of a persisted batch synced. Inserts swap
// their pending key for the real key and every reference to it is
// rewritten. Called inside the tick.
func (e *Engine) reconcile(f *flight, b *batch, records []ir.IRObject) {
	st, ok := e.reg.Store(b.collection)
	if !ok {
		return
	}
	txID := f.tx.ID()

	switch b.kind {
	case ir.MutationInsert:
		for j, s := range b.steps {
			if j >= len(records) {
				break
			}
			rec := records[j]
			real, _ := ir.KeyOf(rec[st.Spec().KeyField()])
			pending := s.m.Key
			if pending.IsPending() {
				e.setAlias(b.collection, pending, real)
			}
			f.tx.Rekey(pending, real)

			if cur, ok := st.Get(pending); ok && cur.State == collection.StatePending && cur.TxID == txID {
				if err := st.Replace(pending, real, rec, collection.StateSynced, txID); err != nil {
					e.logReconcileError(txID, b.collection, pending, err)
				}
			}
			// A delete waiting on this insert now protects the real key.
			if owner, ok := e.owners[recordRef{b.collection, pending}]; ok && owner != txID {
				e.owners[recordRef{b.collection, real}] = owner
			}
			if pending != real {
				e.rewriteReferences(b.collection, pending, real)
			}
			e.markUnverified(b.collection, real)
		}

	case ir.MutationUpdate:
		for _, s := range b.steps {
			key := e.Resolve(b.collection, s.m.Key)
			cur, ok := st.Get(key)
			if !ok || cur.State != collection.StatePending || cur.TxID != txID {
				continue
			}
			if err := st.Put(key, cur.Record, collection.StateSynced, txID); err != nil {
				e.logReconcileError(txID, b.collection, key, err)
			}
			e.markUnverified(b.collection, key)
		}
	}
}

// rewriteReferences replaces from by to in every reference field that
// points at target. Called inside the tick.
func (e *Engine) rewriteReferences(target string, from, to ir.Key) {
	referrers := e.reg.Referrers(target)
	for _, name := range slices.Sorted(maps.Keys(referrers)) {
		st, ok := e.reg.Store(name)
		if !ok {
			continue
		}
		fields := referrers[name]
		for _, entry := range st.Snapshot() {
			var rec ir.IRObject
			for _, field := range fields {
				if k, ok := ir.KeyOf(entry.Record[field]); ok && k == from {
					if rec == nil {
						rec = entry.Record.Clone()
					}
					rec[field] = to
				}
			}
			if rec == nil {
				continue
			}
			if err := st.Put(entry.Key, rec, entry.State, entry.TxID); err != nil {
				e.logReconcileError(entry.TxID, name, entry.Key, err)
			}
		}
	}
}

// release drops the bookkeeping of a settled flight and schedules
// refreshes. Called inside the tick.
func (e *Engine) release(f *flight) {
	id := f.tx.ID()
	touched := map[string]bool{}
	for _, s := range f.steps {
		touched[s.m.Collection] = true
		for _, key := range []ir.Key{s.m.Key, e.Resolve(s.m.Collection, s.m.Key)} {
			ref := recordRef{s.m.Collection, key}
			if e.owners[ref] == id {
				delete(e.owners, ref)
			}
		}
		if s.m.Kind == ir.MutationInsert {
			if e.inserting[s.m.Collection]--; e.inserting[s.m.Collection] <= 0 {
				delete(e.inserting, s.m.Collection)
			}
		}
	}
	delete(e.flights, id)

	for _, name := range slices.Sorted(maps.Keys(touched)) {
		e.generation[name]++
		if e.autoRefresh {
			e.scheduleRefresh(name)
		}
	}
}

func (e *Engine) markUnverified(collectionName string, key ir.Key) {
	set := e.unverified[collectionName]
	if set == nil {
		set = make(map[ir.Key]struct{})
		e.unverified[collectionName] = set
	}
	set[key] = struct{}{}
}

func (e *Engine) logReconcileError(txID, collectionName string, key ir.Key, err error) {
	e.logger.Error("reconcile failed",
		"event", "reconcile_error",
		"tx_id", txID,
		"collection", collectionName,
		"key", key.String(),
		"error", err)
}
