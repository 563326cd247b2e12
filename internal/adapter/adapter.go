// Package adapter defines the Sync Adapter boundary: the per-collection
// binding that fetches the authoritative snapshot and persists mutation
// batches against the backend.
//
// Adapters report failures as *ir.SyncError with a structured code.
// Any other error is treated as a NETWORK failure by the engine.
package adapter

import (
	"context"

	"github.com/roach88/livedb/internal/ir"
)

// Adapter persists one collection.
//
// Every mutation in a batch has the same kind and collection. OnInsert
// returns the persisted records in batch order; each must carry its real
// key in the collection's key field.
type Adapter interface {
	FetchAll(ctx context.Context) ([]ir.IRObject, error)
	OnInsert(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error)
	OnUpdate(ctx context.Context, muts []ir.Mutation) error
	OnDelete(ctx context.Context, muts []ir.Mutation) error
}

// Op names an adapter operation.
type Op string

const (
	OpFetch  Op = "fetch"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// OpFor maps a mutation kind to its adapter operation.
func OpFor(kind ir.MutationKind) Op {
	switch kind {
	case ir.MutationInsert:
		return OpInsert
	case ir.MutationUpdate:
		return OpUpdate
	default:
		return OpDelete
	}
}

// Funcs adapts plain functions to Adapter. Nil fetch returns an empty
// snapshot; nil write functions fail with NETWORK.
type Funcs struct {
	Collection string
	Fetch      func(ctx context.Context) ([]ir.IRObject, error)
	Insert     func(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error)
	Update     func(ctx context.Context, muts []ir.Mutation) error
	Delete     func(ctx context.Context, muts []ir.Mutation) error
}

var _ Adapter = (*Funcs)(nil)

func (f *Funcs) FetchAll(ctx context.Context) ([]ir.IRObject, error) {
	if f.Fetch == nil {
		return nil, nil
	}
	return f.Fetch(ctx)
}

func (f *Funcs) OnInsert(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error) {
	if f.Insert == nil {
		return nil, f.unsupported(OpInsert)
	}
	return f.Insert(ctx, muts)
}

func (f *Funcs) OnUpdate(ctx context.Context, muts []ir.Mutation) error {
	if f.Update == nil {
		return f.unsupported(OpUpdate)
	}
	return f.Update(ctx, muts)
}

func (f *Funcs) OnDelete(ctx context.Context, muts []ir.Mutation) error {
	if f.Delete == nil {
		return f.unsupported(OpDelete)
	}
	return f.Delete(ctx, muts)
}

func (f *Funcs) unsupported(op Op) error {
	return ir.Errorf(ir.ErrCodeNetwork, f.Collection, "%s not supported by adapter", op)
}
