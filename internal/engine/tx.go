package engine

import (
	"context"
	"fmt"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/txn"
)

// Mutator edits a draft copy of a record in place. Returning an error
// aborts the mutation before anything is written.
type Mutator func(draft ir.IRObject) error

// Tx collects the mutations of one transaction. Each method validates its
// input and applies the write to the Entity Store immediately; nothing is
// visible to subscribers until the surrounding tick ends.
//
// A Tx is only valid inside the function passed to Engine.Transact.
type Tx struct {
	e     *Engine
	id    string
	open  bool
	steps []*step
	byKey map[recordRef]*step
	slots []slot
	waits []*dependency
}

// step is one mutation together with what is needed to undo it.
type step struct {
	m       ir.Mutation
	before  *collection.Entry // pre-transaction entry; nil for inserts
	dropped bool
	batch   int

	// after is set on a delete of a record another in-flight transaction
	// inserted; the adapter call waits for that transaction.
	after *dependency
	skip  bool
}

// slot is one entry of the handle's key list.
type slot struct {
	step *step
	key  ir.Key
}

// dependency is an in-flight transaction this one waits for: an insert
// it builds on, or a delete of the natural key it re-inserts.
type dependency struct {
	tx         *txn.Transaction
	collection string
	key        ir.Key
	step       *step // nil when only the key is reported

	// order marks a delete that must reach the adapter first. Its outcome
	// does not decide this transaction's.
	order bool
}

// Transact runs fn as one transaction. Every mutation fn makes is applied
// optimistically in a single tick, so subscribers see all of them or none.
// If fn returns an error the writes are undone and the error is returned
// without a handle.
//
// Same-kind mutations of one collection are sent to the adapter in one
// call. A failed call rolls back its own mutations and every later one;
// mutations of earlier calls stay persisted.
func (e *Engine) Transact(fn func(tx *Tx) error) (*txn.Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("transact: nil function")
	}
	tx := &Tx{
		e:     e,
		id:    e.txGen.Generate(),
		byKey: make(map[recordRef]*step),
	}

	var handle *txn.Handle
	err := e.live.Batch(func() error {
		tx.open = true
		err := fn(tx)
		tx.open = false
		if err != nil {
			for i := len(tx.steps) - 1; i >= 0; i-- {
				if !tx.steps[i].dropped {
					e.undo(tx.steps[i], tx.id)
				}
			}
			return err
		}
		handle = e.commit(tx)
		return nil
	})
	if err != nil {
		e.logger.Debug("transaction rejected",
			"event", "tx_rejected",
			"tx_id", tx.id,
			"code", string(ir.CodeOf(err)),
			"error", err)
		return nil, err
	}
	return handle, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

// Insert validates record and adds it under a fresh pending key, or under
// the real key it carries. The returned key is the one written.
//
// For collections with a natural key (likes, bookmarks) an insert whose
// natural key already exists writes nothing and returns the existing key.
func (tx *Tx) Insert(collectionName string, record ir.IRObject) (ir.Key, error) {
	c, err := tx.collection(collectionName)
	if err != nil {
		return ir.Key{}, err
	}
	spec := c.Spec()
	rec := record.Clone()
	if rec == nil {
		rec = ir.IRObject{}
	}

	var key ir.Key
	if v, ok := rec[spec.KeyField()]; ok {
		k, isKey := ir.KeyOf(v)
		if !isKey || !k.IsReal() {
			return ir.Key{}, ir.NewValidationError(spec.Name, spec.KeyField(), "only real keys may be supplied; pending keys are assigned")
		}
		if _, exists := c.Store.Get(k); exists {
			return ir.Key{}, &ir.SyncError{Code: ir.ErrCodeDuplicateKey, Collection: spec.Name, Key: k, Message: "key already exists"}
		}
		key = k
	}

	if rec, err = tx.resolveRefs(spec, rec); err != nil {
		return ir.Key{}, err
	}
	if rec, err = tx.e.validate(c, rec); err != nil {
		return ir.Key{}, err
	}

	if existing, found := tx.findNatural(c, rec); found {
		return tx.track(spec.Name, existing), nil
	}
	tx.afterRemovals(spec, rec)

	if key.IsZero() {
		key = ir.PendingKey(tx.e.keyGen.Generate())
	}
	if err := c.Store.Put(key, rec, collection.StatePending, tx.id); err != nil {
		return ir.Key{}, err
	}
	stored, _ := c.Store.Get(key)
	s := &step{m: ir.Mutation{
		TxID:       tx.id,
		Kind:       ir.MutationInsert,
		Collection: spec.Name,
		Key:        key,
		Modified:   stored.Record.Clone(),
	}}
	tx.add(s)
	return key, nil
}

// Update applies mutate to a copy of the record under key and writes the
// result. A mutator that changes nothing writes nothing.
func (tx *Tx) Update(collectionName string, key ir.Key, mutate Mutator) error {
	c, err := tx.collection(collectionName)
	if err != nil {
		return err
	}
	if mutate == nil {
		return fmt.Errorf("update %s: nil mutator", collectionName)
	}
	spec := c.Spec()
	key = tx.e.Resolve(spec.Name, key)

	entry, ok := c.Store.Get(key)
	if !ok {
		return ir.NewNotFoundError(spec.Name, key)
	}
	if entry.State == collection.StatePending && entry.TxID != tx.id {
		return ir.NewConflictError(spec.Name, key, entry.TxID)
	}

	draft := entry.Record.Clone()
	if err := mutate(draft); err != nil {
		return err
	}
	if v, ok := draft[spec.KeyField()]; ok && !ir.Equal(v, key) {
		return ir.NewValidationError(spec.Name, spec.KeyField(), "key field cannot change")
	}
	if draft, err = tx.resolveRefs(spec, draft); err != nil {
		return err
	}
	if draft, err = tx.e.validate(c, draft); err != nil {
		return err
	}
	draft[spec.KeyField()] = key
	if ir.Equal(draft, entry.Record) {
		return nil
	}

	if err := c.Store.Put(key, draft, collection.StatePending, tx.id); err != nil {
		return err
	}
	stored, _ := c.Store.Get(key)

	if own, ok := tx.byKey[recordRef{spec.Name, key}]; ok {
		own.m.Modified = stored.Record.Clone()
		return nil
	}
	before := entry
	tx.add(&step{
		m: ir.Mutation{
			TxID:       tx.id,
			Kind:       ir.MutationUpdate,
			Collection: spec.Name,
			Key:        key,
			Original:   entry.Record.Clone(),
			Modified:   stored.Record.Clone(),
		},
		before: &before,
	})
	return nil
}

// Delete removes the record under key.
//
// Deleting a record this transaction inserted cancels the insert.
// Deleting a record another in-flight transaction inserted is allowed:
// the delete is sent once that insert settled, and is a no-op if it was
// rolled back.
func (tx *Tx) Delete(collectionName string, key ir.Key) error {
	c, err := tx.collection(collectionName)
	if err != nil {
		return err
	}
	spec := c.Spec()
	key = tx.e.Resolve(spec.Name, key)
	ref := recordRef{spec.Name, key}

	entry, ok := c.Store.Get(key)
	if !ok {
		return ir.NewNotFoundError(spec.Name, key)
	}

	if own, ok := tx.byKey[ref]; ok {
		if _, err := c.Store.Remove(key, tx.id); err != nil {
			return err
		}
		switch own.m.Kind {
		case ir.MutationInsert:
			own.dropped = true
			delete(tx.byKey, ref)
		case ir.MutationUpdate:
			own.m.Kind = ir.MutationDelete
			own.m.Modified = nil
		}
		return nil
	}

	s := &step{m: ir.Mutation{
		TxID:       tx.id,
		Kind:       ir.MutationDelete,
		Collection: spec.Name,
		Key:        key,
		Original:   entry.Record.Clone(),
	}}
	before := entry
	s.before = &before

	owner := tx.id
	if entry.State == collection.StatePending && entry.TxID != tx.id {
		f := tx.e.flights[entry.TxID]
		if f == nil || !f.inserts[ref] {
			return ir.NewConflictError(spec.Name, key, entry.TxID)
		}
		owner = entry.TxID
		dep := &dependency{tx: f.tx, collection: spec.Name, key: key, step: s}
		s.after = dep
		tx.waits = append(tx.waits, dep)
	}
	if _, err := c.Store.Remove(key, owner); err != nil {
		return err
	}
	tx.add(s)
	return nil
}

// DeleteWhere removes the record whose natural key equals naturalKey.
// When no record matches nothing is written and found is false.
func (tx *Tx) DeleteWhere(collectionName string, naturalKey ir.IRObject) (found bool, err error) {
	c, err := tx.collection(collectionName)
	if err != nil {
		return false, err
	}
	spec := c.Spec()
	if len(naturalKey) == 0 {
		return false, ir.NewValidationError(spec.Name, "", "natural key is empty")
	}
	match, err := tx.resolveRefs(spec, naturalKey.Clone())
	if err != nil {
		return false, err
	}
	entry, ok := c.Store.FindBy(match)
	if !ok {
		return false, nil
	}
	return true, tx.Delete(spec.Name, entry.Key)
}

func (tx *Tx) collection(name string) (*registry.Collection, error) {
	if !tx.open {
		return nil, fmt.Errorf("transaction %s is closed", tx.id)
	}
	c, ok := tx.e.reg.Get(name)
	if !ok {
		return nil, ir.NewValidationError(name, "", "unknown collection")
	}
	return c, nil
}

func (tx *Tx) add(s *step) {
	tx.steps = append(tx.steps, s)
	tx.byKey[recordRef{s.m.Collection, s.m.Key}] = s
	tx.slots = append(tx.slots, slot{step: s})
}

// resolveRefs converts reference values to keys and replaces reconciled
// pending keys by their real keys. A reference to a pending key still in
// flight under another transaction is a CONFLICT.
func (tx *Tx) resolveRefs(spec *ir.CollectionSpec, rec ir.IRObject) (ir.IRObject, error) {
	for _, ref := range spec.Refs {
		v, ok := rec[ref.Field]
		if !ok {
			continue
		}
		k, isKey := ir.KeyOf(v)
		if !isKey {
			continue
		}
		rec[ref.Field] = k
		if !k.IsPending() {
			continue
		}
		if real, ok := tx.e.alias(ref.To, k); ok {
			rec[ref.Field] = real
			continue
		}
		target, ok := tx.e.reg.Store(ref.To)
		if !ok {
			return nil, ir.NewValidationError(spec.Name, ref.Field, fmt.Sprintf("unknown collection %s", ref.To))
		}
		entry, ok := target.Get(k)
		if !ok {
			return nil, ir.NewValidationError(spec.Name, ref.Field, fmt.Sprintf("unknown pending key %s", k))
		}
		if entry.State == collection.StatePending && entry.TxID != tx.id {
			return nil, ir.NewConflictError(ref.To, k, entry.TxID)
		}
	}
	return rec, nil
}

func (tx *Tx) findNatural(c *registry.Collection, rec ir.IRObject) (collection.Entry, bool) {
	fields := c.Spec().ToggleKey()
	if len(fields) == 0 {
		return collection.Entry{}, false
	}
	match := make(ir.IRObject, len(fields))
	for _, f := range fields {
		v, ok := rec[f]
		if !ok {
			return collection.Entry{}, false
		}
		match[f] = v
	}
	return c.Store.FindBy(match)
}

// track reports an existing record in the handle's key list. If another
// in-flight transaction inserted it, this transaction settles with that
// one.
func (tx *Tx) track(collectionName string, existing collection.Entry) ir.Key {
	tx.slots = append(tx.slots, slot{key: existing.Key})
	if existing.State == collection.StatePending && existing.TxID != tx.id {
		if f := tx.e.flights[existing.TxID]; f != nil && f.inserts[recordRef{collectionName, existing.Key}] {
			tx.waits = append(tx.waits, &dependency{tx: f.tx, collection: collectionName, key: existing.Key})
		}
	}
	return existing.Key
}

// afterRemovals orders an insert behind every in-flight delete, by another
// transaction, of a record with the same natural key. Unlike then like
// must reach the backend in that order.
func (tx *Tx) afterRemovals(spec *ir.CollectionSpec, rec ir.IRObject) {
	fields := spec.ToggleKey()
	if len(fields) == 0 {
		return
	}
	for id, f := range tx.e.flights {
		if id == tx.id {
			continue
		}
		for _, s := range f.steps {
			if s.m.Kind != ir.MutationDelete || s.m.Collection != spec.Name {
				continue
			}
			if sameNatural(fields, tx.e.rewriteRefs(spec, s.m.Original, tx.e.Resolve), rec) {
				tx.waits = append(tx.waits, &dependency{tx: f.tx, collection: spec.Name, key: s.m.Key, order: true})
			}
		}
	}
}

func sameNatural(fields []string, a, b ir.IRObject) bool {
	for _, f := range fields {
		av, aok := a[f]
		bv, bok := b[f]
		if !aok || !bok || !ir.Equal(av, bv) {
			return false
		}
	}
	return true
}

// commit turns the collected steps into an in-flight transaction and
// starts its adapter calls. Called inside the tick.
func (e *Engine) commit(tx *Tx) *txn.Handle {
	var steps []*step
	for _, s := range tx.steps {
		if !s.dropped {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 && len(tx.waits) == 0 {
		keys := make([]ir.Key, 0, len(tx.slots))
		for _, sl := range tx.slots {
			if sl.step == nil {
				keys = append(keys, sl.key)
			}
		}
		return txn.Completed(context.Background(), tx.id, e.logger, keys...)
	}

	t := txn.New(tx.id, e.logger)
	for _, sl := range tx.slots {
		switch {
		case sl.step == nil:
			t.Track(sl.key)
		case !sl.step.dropped:
			// A fresh transaction accepts mutations.
			_ = t.Add(sl.step.m)
		}
	}

	f := &flight{
		tx:      t,
		steps:   steps,
		waits:   tx.waits,
		inserts: make(map[recordRef]bool),
	}
	f.batches = e.planBatches(steps)
	for _, s := range steps {
		ref := recordRef{s.m.Collection, s.m.Key}
		e.owners[ref] = tx.id
		if s.m.Kind == ir.MutationInsert {
			f.inserts[ref] = true
			e.inserting[s.m.Collection]++
		}
	}
	e.flights[tx.id] = f
	_ = t.Persist(context.Background())
	e.busy.Add(1)

	e.logger.Debug("transaction submitted",
		"event", "tx_submitted",
		"tx_id", tx.id,
		"mutations", len(steps),
		"batches", len(f.batches),
		"waits", len(tx.waits))

	go e.persist(f)
	return txn.NewHandle(t)
}

// planBatches groups steps into adapter calls: same collection and kind
// share a call unless a step references a key inserted by a later call.
func (e *Engine) planBatches(steps []*step) []*batch {
	var batches []*batch
	insertedBy := map[recordRef]int{}
	for _, s := range steps {
		earliest := 0
		if spec, ok := e.reg.Spec(s.m.Collection); ok && s.m.Modified != nil {
			for _, ref := range spec.Refs {
				k, ok := ir.KeyOf(s.m.Modified[ref.Field])
				if !ok {
					continue
				}
				if b, ok := insertedBy[recordRef{ref.To, k}]; ok && b+1 > earliest {
					earliest = b + 1
				}
			}
		}
		idx := -1
		for i := earliest; i < len(batches); i++ {
			if batches[i].collection == s.m.Collection && batches[i].kind == s.m.Kind {
				idx = i
				break
			}
		}
		if idx < 0 {
			batches = append(batches, &batch{collection: s.m.Collection, kind: s.m.Kind})
			idx = len(batches) - 1
		}
		batches[idx].steps = append(batches[idx].steps, s)
		s.batch = idx
		if s.m.Kind == ir.MutationInsert {
			insertedBy[recordRef{s.m.Collection, s.m.Key}] = idx
		}
	}
	return batches
}

// undo reverts one step. Called inside the tick, newest step first.
func (e *Engine) undo(s *step, txID string) {
	st, ok := e.reg.Store(s.m.Collection)
	if !ok {
		return
	}
	var err error
	switch s.m.Kind {
	case ir.MutationInsert:
		_, err = st.Remove(s.m.Key, txID)
	case ir.MutationUpdate:
		b := e.current(st.Spec(), *s.before)
		err = st.Put(b.Key, b.Record, b.State, txID)
	case ir.MutationDelete:
		b := e.current(st.Spec(), *s.before)
		state := b.State
		if state == collection.StatePending {
			state = collection.StateSynced
		}
		err = st.Restore(b, state)
	}
	if err != nil {
		e.logger.Error("rollback step failed",
			"event", "rollback_error",
			"tx_id", txID,
			"collection", s.m.Collection,
			"key", s.m.Key.String(),
			"error", err)
	}
}

// current rewrites an entry's key and references through the alias table,
// for entries captured before a pending key they hold was reconciled.
func (e *Engine) current(spec *ir.CollectionSpec, entry collection.Entry) collection.Entry {
	entry.Key = e.Resolve(spec.Name, entry.Key)
	entry.Record = e.rewriteRefs(spec, entry.Record, e.Resolve)
	return entry
}

// rewriteRefs returns rec with every pending reference replaced through
// resolve. rec is not modified.
func (e *Engine) rewriteRefs(spec *ir.CollectionSpec, rec ir.IRObject, resolve func(string, ir.Key) ir.Key) ir.IRObject {
	if rec == nil {
		return nil
	}
	out := rec
	copied := false
	for _, ref := range spec.Refs {
		k, ok := ir.KeyOf(rec[ref.Field])
		if !ok || !k.IsPending() {
			continue
		}
		real := resolve(ref.To, k)
		if real == k {
			continue
		}
		if !copied {
			out = rec.Clone()
			copied = true
		}
		out[ref.Field] = real
	}
	return out
}
