// Package txn models mutation transactions: the persistence state machine,
// the explicit Persisted | RolledBack result, and the handle callers wait
// on.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/looplab/fsm"

	"github.com/roach88/livedb/internal/ir"
)

// State is a transaction lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StatePersisting State = "persisting"
	StatePersisted  State = "persisted"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// Lifecycle events.
const (
	EventPersist  = "persist"
	EventSucceed  = "succeed"
	EventFail     = "fail"
	EventRollback = "rollback"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StatePersisted || s == StateRolledBack
}

// Outcome distinguishes the two terminal results.
type Outcome string

const (
	OutcomePersisted  Outcome = "persisted"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result is the terminal outcome of a transaction. Err is set exactly when
// Outcome is OutcomeRolledBack.
type Result struct {
	Outcome Outcome
	Err     error
}

// Persisted is the successful result.
func Persisted() Result { return Result{Outcome: OutcomePersisted} }

// RolledBack is the failed result carrying the cause.
func RolledBack(err error) Result { return Result{Outcome: OutcomeRolledBack, Err: err} }

// IsPersisted reports a successful result.
func (r Result) IsPersisted() bool { return r.Outcome == OutcomePersisted }

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return string(r.Outcome)
}

// Transaction is an ordered list of mutations and its lifecycle:
//
//	pending → persisting → persisted
//	pending → persisting → failed → rolled_back
//
// Thread-safety: all methods are safe for concurrent use.
type Transaction struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	machine   *fsm.FSM
	mutations []ir.Mutation
	keys      []ir.Key
	result    Result
	done      chan struct{}
}

// New creates a pending transaction.
func New(id string, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transaction{
		id:     id,
		logger: logger,
		done:   make(chan struct{}),
	}
	t.machine = fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: EventPersist, Src: []string{string(StatePending)}, Dst: string(StatePersisting)},
			{Name: EventSucceed, Src: []string{string(StatePersisting)}, Dst: string(StatePersisted)},
			{Name: EventFail, Src: []string{string(StatePending), string(StatePersisting)}, Dst: string(StateFailed)},
			{Name: EventRollback, Src: []string{string(StateFailed)}, Dst: string(StateRolledBack)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.logger.Debug("transaction state",
					"event", "tx_transition",
					"tx_id", t.id,
					"from", e.Src,
					"to", e.Dst)
			},
		},
	)
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State(t.machine.Current())
}

// Add appends a mutation. Only pending transactions accept mutations.
func (t *Transaction) Add(m ir.Mutation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := State(t.machine.Current()); cur != StatePending {
		return fmt.Errorf("transaction %s: add mutation in state %s", t.id, cur)
	}
	m.TxID = t.id
	t.mutations = append(t.mutations, m)
	t.keys = append(t.keys, m.Key)
	return nil
}

// Track records a key the transaction reports without owning a mutation
// for it, such as the existing row of an idempotent insert.
func (t *Transaction) Track(key ir.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, key)
}

// Mutations returns the mutations in submission order.
func (t *Transaction) Mutations() []ir.Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.mutations)
}

// Keys returns the key of every mutation in submission order. Pending
// keys of inserts are replaced by their real keys once reconciled.
func (t *Transaction) Keys() []ir.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.keys)
}

// Rekey replaces every occurrence of from in the key list.
func (t *Transaction) Rekey(from, to ir.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, k := range t.keys {
		if k == from {
			t.keys[i] = to
		}
	}
}

// Persist moves a pending transaction to persisting.
func (t *Transaction) Persist(ctx context.Context) error {
	return t.fire(ctx, EventPersist)
}

// Succeed moves a persisting transaction to persisted and releases
// waiters.
func (t *Transaction) Succeed(ctx context.Context) error {
	if err := t.fire(ctx, EventSucceed); err != nil {
		return err
	}
	t.finish(Persisted())
	return nil
}

// Fail records the cause and moves to failed. The transaction is not
// terminal until RollBack.
func (t *Transaction) Fail(ctx context.Context, cause error) error {
	if err := t.fire(ctx, EventFail); err != nil {
		return err
	}
	t.mu.Lock()
	t.result = RolledBack(cause)
	t.mu.Unlock()
	return nil
}

// RollBack moves a failed transaction to rolled_back and releases
// waiters with the recorded cause. Call it only after the optimistic
// writes were undone.
func (t *Transaction) RollBack(ctx context.Context) error {
	if err := t.fire(ctx, EventRollback); err != nil {
		return err
	}
	t.mu.Lock()
	res := t.result
	t.mu.Unlock()
	t.finish(res)
	return nil
}

// Result returns the terminal result; ok is false until then.
func (t *Transaction) Result() (Result, bool) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, true
	default:
		return Result{}, false
	}
}

// Done is closed when the transaction reaches a terminal state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

func (t *Transaction) fire(ctx context.Context, event string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("transaction %s: %s: %w", t.id, event, err)
	}
	return nil
}

func (t *Transaction) finish(res Result) {
	t.mu.Lock()
	t.result = res
	t.mu.Unlock()
	close(t.done)
}
