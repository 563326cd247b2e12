package collection

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/livedb/internal/ir"
)

// SyncState is the per-record synchronization status.
type SyncState string

const (
	StateSynced  SyncState = "synced"
	StatePending SyncState = "pending"
	StateError   SyncState = "error"
)

// Entry is a record together with its bookkeeping.
type Entry struct {
	Key    ir.Key
	Record ir.IRObject
	State  SyncState

	// TxID is the transaction that owns a pending record. Empty when synced.
	TxID string

	// seq is the natural (insertion) position.
	seq uint64
}

// Seq returns the entry's natural order position.
func (e Entry) Seq() uint64 { return e.seq }

// ChangeKind describes what happened to a key.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is delivered to listeners after every write.
// Before is nil for inserts, After is nil for deletes.
type ChangeEvent struct {
	Collection string
	Kind       ChangeKind
	Key        ir.Key
	Before     *Entry
	After      *Entry
}

// Listener observes store writes. Listeners run synchronously on the
// writing goroutine after the write is visible to readers.
type Listener func(ChangeEvent)

// Store is the Entity Store for one collection.
type Store struct {
	spec *ir.CollectionSpec

	mu       sync.RWMutex
	entries  map[ir.Key]*Entry
	nextSeq  uint64
	natural  map[string]map[ir.Key]struct{} // toggle-key hash -> keys
	children map[ir.Key]map[ir.Key]struct{} // parent key -> child keys

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New creates an empty store for spec.
func New(spec *ir.CollectionSpec) *Store {
	return &Store{
		spec:      spec,
		entries:   make(map[ir.Key]*Entry),
		natural:   make(map[string]map[ir.Key]struct{}),
		children:  make(map[ir.Key]map[ir.Key]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Name returns the collection name.
func (s *Store) Name() string { return s.spec.Name }

// Spec returns the collection contract.
func (s *Store) Spec() *ir.CollectionSpec { return s.spec }

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the entry for key.
func (s *Store) Get(key ir.Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every entry in natural order.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Records returns every record in natural order.
func (s *Store) Records() []ir.IRObject {
	snap := s.Snapshot()
	out := make([]ir.IRObject, len(snap))
	for i, e := range snap {
		out[i] = e.Record
	}
	return out
}

// OnChange registers a listener and returns a function that removes it.
func (s *Store) OnChange(l Listener) (cancel func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Put writes record under key with the given state.
//
// A write to a key that is pending under a different transaction is
// rejected with a CONFLICT error and leaves the store untouched. txID is
// the writing transaction; empty for writes outside any transaction.
func (s *Store) Put(key ir.Key, record ir.IRObject, state SyncState, txID string) error {
	rec, err := s.normalize(key, record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev, exists := s.entries[key]
	if exists && prev.State == StatePending && prev.TxID != txID {
		s.mu.Unlock()
		return ir.NewConflictError(s.spec.Name, key, prev.TxID)
	}
	next := &Entry{Key: key, Record: rec, State: state, TxID: ownerOf(state, txID)}
	var before *Entry
	if exists {
		cp := *prev
		before = &cp
		next.seq = prev.seq
		s.unindex(prev)
	} else {
		next.seq = s.allocSeq()
	}
	s.entries[key] = next
	s.index(next)
	after := *next
	s.mu.Unlock()

	kind := ChangeInsert
	if exists {
		kind = ChangeUpdate
	}
	s.emit(ChangeEvent{Collection: s.spec.Name, Kind: kind, Key: key, Before: before, After: &after})
	return nil
}

// Remove deletes key. Removing an absent key is a no-op that reports false.
// A key pending under a different transaction is rejected with CONFLICT.
func (s *Store) Remove(key ir.Key, txID string) (bool, error) {
	s.mu.Lock()
	prev, exists := s.entries[key]
	if !exists {
		s.mu.Unlock()
		return false, nil
	}
	if prev.State == StatePending && prev.TxID != txID {
		s.mu.Unlock()
		return false, ir.NewConflictError(s.spec.Name, key, prev.TxID)
	}
	delete(s.entries, key)
	s.unindex(prev)
	before := *prev
	s.mu.Unlock()

	s.emit(ChangeEvent{Collection: s.spec.Name, Kind: ChangeDelete, Key: key, Before: &before})
	return true, nil
}

// Restore re-inserts a previously removed entry at its original natural
// position. Used to undo an optimistic delete.
func (s *Store) Restore(e Entry, state SyncState) error {
	rec, err := s.normalize(e.Key, e.Record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.entries[e.Key]; exists {
		// Re-created in the meantime; the live record wins.
		s.mu.Unlock()
		return nil
	}
	next := &Entry{Key: e.Key, Record: rec, State: state, seq: e.seq}
	if next.seq == 0 {
		next.seq = s.allocSeq()
	}
	s.entries[e.Key] = next
	s.index(next)
	after := *next
	s.mu.Unlock()

	s.emit(ChangeEvent{Collection: s.spec.Name, Kind: ChangeInsert, Key: e.Key, After: &after})
	return nil
}

// Replace atomically swaps oldKey for newKey, keeping oldKey's natural
// position. If newKey already exists (a refresh may have fetched it first)
// that entry is dropped in favor of the replacement.
func (s *Store) Replace(oldKey, newKey ir.Key, record ir.IRObject, state SyncState, txID string) error {
	rec, err := s.normalize(newKey, record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev, exists := s.entries[oldKey]
	if !exists {
		s.mu.Unlock()
		return ir.NewNotFoundError(s.spec.Name, oldKey)
	}
	if prev.State == StatePending && prev.TxID != txID {
		s.mu.Unlock()
		return ir.NewConflictError(s.spec.Name, oldKey, prev.TxID)
	}

	var events []ChangeEvent
	if dup, ok := s.entries[newKey]; ok && newKey != oldKey {
		if dup.State == StatePending && dup.TxID != txID {
			s.mu.Unlock()
			return ir.NewConflictError(s.spec.Name, newKey, dup.TxID)
		}
		delete(s.entries, newKey)
		s.unindex(dup)
		before := *dup
		events = append(events, ChangeEvent{Collection: s.spec.Name, Kind: ChangeDelete, Key: newKey, Before: &before})
	}

	delete(s.entries, oldKey)
	s.unindex(prev)
	before := *prev
	next := &Entry{Key: newKey, Record: rec, State: state, TxID: ownerOf(state, txID), seq: prev.seq}
	s.entries[newKey] = next
	s.index(next)
	after := *next
	s.mu.Unlock()

	if newKey == oldKey {
		events = append(events, ChangeEvent{Collection: s.spec.Name, Kind: ChangeUpdate, Key: newKey, Before: &before, After: &after})
	} else {
		events = append(events,
			ChangeEvent{Collection: s.spec.Name, Kind: ChangeDelete, Key: oldKey, Before: &before},
			ChangeEvent{Collection: s.spec.Name, Kind: ChangeInsert, Key: newKey, After: &after},
		)
	}
	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

// SetState changes the sync state of a synced or errored record.
// Pending records are left alone.
func (s *Store) SetState(key ir.Key, state SyncState) bool {
	s.mu.Lock()
	prev, ok := s.entries[key]
	if !ok || prev.State == StatePending || prev.State == state {
		s.mu.Unlock()
		return false
	}
	before := *prev
	next := *prev
	next.State = state
	s.entries[key] = &next
	after := next
	s.mu.Unlock()

	s.emit(ChangeEvent{Collection: s.spec.Name, Kind: ChangeUpdate, Key: key, Before: &before, After: &after})
	return true
}

// FindBy returns the first entry (in natural order) whose fields equal
// every value in match. Matches on the collection's toggle key use the
// natural-key index.
func (s *Store) FindBy(match ir.IRObject) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hash, ok := s.naturalHash(match); ok && len(match) == len(s.spec.ToggleKey()) {
		keys := s.natural[hash]
		best := (*Entry)(nil)
		for k := range keys {
			e := s.entries[k]
			if best == nil || e.seq < best.seq {
				best = e
			}
		}
		if best == nil {
			return Entry{}, false
		}
		return *best, true
	}

	var best *Entry
	for _, e := range s.entries {
		if !matches(e.Record, match) {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Children returns the keys of records whose parent field equals parent,
// in natural order. The zero key returns root records (no parent).
func (s *Store) Children(parent ir.Key) []ir.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.children[parent]
	out := make([]ir.Key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b ir.Key) int {
		sa, sb := s.entries[a].seq, s.entries[b].seq
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
	return out
}

// Merge applies an authoritative snapshot from a refresh.
//
// Pending records are never touched, and neither are keys for which
// protect returns true (e.g. records optimistically deleted by an in-flight
// transaction). Synced records missing from the snapshot are removed.
// Existing records keep their natural position; new ones are appended in
// snapshot order. Returns the number of keys that changed.
func (s *Store) Merge(records []ir.IRObject, protect func(ir.Key) bool) (int, error) {
	type incoming struct {
		key ir.Key
		rec ir.IRObject
	}
	in := make([]incoming, 0, len(records))
	seen := make(map[ir.Key]bool, len(records))
	for _, r := range records {
		key, ok := ir.KeyOf(r[s.spec.KeyField()])
		if !ok {
			return 0, ir.Errorf(ir.ErrCodeValidation, s.spec.Name, "fetched record has no valid %q", s.spec.KeyField())
		}
		rec, err := s.normalize(key, r)
		if err != nil {
			return 0, err
		}
		in = append(in, incoming{key: key, rec: rec})
		seen[key] = true
	}

	var events []ChangeEvent
	s.mu.Lock()
	for _, inc := range in {
		if protect != nil && protect(inc.key) {
			continue
		}
		prev, exists := s.entries[inc.key]
		if exists && prev.State == StatePending {
			continue
		}
		if exists && prev.State == StateSynced && ir.Equal(prev.Record, inc.rec) {
			continue
		}
		next := &Entry{Key: inc.key, Record: inc.rec, State: StateSynced}
		ev := ChangeEvent{Collection: s.spec.Name, Key: inc.key}
		if exists {
			cp := *prev
			ev.Kind, ev.Before = ChangeUpdate, &cp
			next.seq = prev.seq
			s.unindex(prev)
		} else {
			ev.Kind = ChangeInsert
			next.seq = s.allocSeq()
		}
		s.entries[inc.key] = next
		s.index(next)
		after := *next
		ev.After = &after
		events = append(events, ev)
	}
	for key, e := range s.entries {
		if seen[key] || e.State == StatePending {
			continue
		}
		if protect != nil && protect(key) {
			continue
		}
		delete(s.entries, key)
		s.unindex(e)
		before := *e
		events = append(events, ChangeEvent{Collection: s.spec.Name, Kind: ChangeDelete, Key: key, Before: &before})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return len(events), nil
}

func (s *Store) allocSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func ownerOf(state SyncState, txID string) string {
	if state != StatePending {
		return ""
	}
	return txID
}

// normalize clones record, sets the key field and converts integer
// reference values into keys.
func (s *Store) normalize(key ir.Key, record ir.IRObject) (ir.IRObject, error) {
	if key.IsZero() {
		return nil, ir.NewValidationError(s.spec.Name, s.spec.KeyField(), "record key is required")
	}
	rec := record.Clone()
	if rec == nil {
		rec = ir.IRObject{}
	}
	rec[s.spec.KeyField()] = key
	for _, ref := range s.spec.Refs {
		v, ok := rec[ref.Field]
		if !ok {
			continue
		}
		if _, isNull := v.(ir.IRNull); isNull {
			continue
		}
		k, ok := ir.KeyOf(v)
		if !ok {
			return nil, ir.NewValidationError(s.spec.Name, ref.Field, fmt.Sprintf("reference must be a key, got %T", v))
		}
		rec[ref.Field] = k
	}
	return rec, nil
}

func (s *Store) naturalHash(rec ir.IRObject) (string, bool) {
	fields := s.spec.ToggleKey()
	if len(fields) == 0 {
		return "", false
	}
	values := make(ir.IRArray, len(fields))
	for i, f := range fields {
		v, ok := rec[f]
		if !ok {
			return "", false
		}
		values[i] = v
	}
	h, err := ir.NaturalKeyHash(s.spec.Name, values)
	if err != nil {
		return "", false
	}
	return h, true
}

func (s *Store) parentOf(rec ir.IRObject) ir.Key {
	if s.spec.Parent == "" {
		return ir.Key{}
	}
	k, _ := ir.KeyOf(rec[s.spec.Parent])
	return k
}

// index and unindex must be called with mu held.
func (s *Store) index(e *Entry) {
	if h, ok := s.naturalHash(e.Record); ok {
		set := s.natural[h]
		if set == nil {
			set = make(map[ir.Key]struct{})
			s.natural[h] = set
		}
		set[e.Key] = struct{}{}
	}
	if s.spec.Parent != "" {
		p := s.parentOf(e.Record)
		set := s.children[p]
		if set == nil {
			set = make(map[ir.Key]struct{})
			s.children[p] = set
		}
		set[e.Key] = struct{}{}
	}
}

func (s *Store) unindex(e *Entry) {
	if h, ok := s.naturalHash(e.Record); ok {
		delete(s.natural[h], e.Key)
		if len(s.natural[h]) == 0 {
			delete(s.natural, h)
		}
	}
	if s.spec.Parent != "" {
		p := s.parentOf(e.Record)
		delete(s.children[p], e.Key)
		if len(s.children[p]) == 0 {
			delete(s.children, p)
		}
	}
}

func (s *Store) emit(ev ChangeEvent) {
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, len(ids))
	for i, id := range ids {
		ls[i] = s.listeners[id]
	}
	s.lmu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func matches(rec, match ir.IRObject) bool {
	for k, v := range match {
		if !ir.Equal(rec[k], v) {
			return false
		}
	}
	return true
}
