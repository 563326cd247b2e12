package txn

import (
	"context"
	"log/slog"

	"github.com/roach88/livedb/internal/ir"
)

// Handle is the caller's view of a submitted transaction.
type Handle struct {
	tx *Transaction
}

// NewHandle wraps a transaction.
func NewHandle(tx *Transaction) *Handle { return &Handle{tx: tx} }

// Completed returns a handle for a transaction that needed no backend
// call (toggle no-ops). It is already persisted and reports keys.
func Completed(ctx context.Context, id string, logger *slog.Logger, keys ...ir.Key) *Handle {
	tx := New(id, logger)
	tx.keys = append(tx.keys, keys...)
	// Transitions from a fresh pending transaction cannot fail.
	_ = tx.Persist(ctx)
	_ = tx.Succeed(ctx)
	return &Handle{tx: tx}
}

// ID returns the transaction id.
func (h *Handle) ID() string { return h.tx.ID() }

// Done is closed once the transaction is persisted or rolled back. By
// then the Entity Store and every view reflect the outcome.
func (h *Handle) Done() <-chan struct{} { return h.tx.Done() }

// Wait blocks until the transaction is terminal or ctx ends. A rolled
// back transaction returns its result and the cause as error.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.tx.Done():
		res, _ := h.tx.Result()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Err returns the rollback cause, or nil while in flight or when
// persisted.
func (h *Handle) Err() error {
	res, ok := h.tx.Result()
	if !ok {
		return nil
	}
	return res.Err
}

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.tx.State() }

// Keys returns the mutation keys, with pending keys rewritten to real
// keys after reconciliation.
func (h *Handle) Keys() []ir.Key { return h.tx.Keys() }

// Key returns the first mutation key, the common single-mutation case.
func (h *Handle) Key() ir.Key {
	keys := h.tx.Keys()
	if len(keys) == 0 {
		return ir.Key{}
	}
	return keys[0]
}

// Transaction returns the underlying transaction.
func (h *Handle) Transaction() *Transaction { return h.tx }
