package adapter

import (
	"context"

	"github.com/roach88/livedb/internal/ir"
)

// Backend is the authoritative store a SQL adapter writes through.
// *store.Store satisfies it.
type Backend interface {
	FetchAll(ctx context.Context, collection string) ([]ir.IRObject, error)
	Insert(ctx context.Context, txID, collection string, records []ir.IRObject) ([]ir.IRObject, error)
	Update(ctx context.Context, txID, collection string, muts []ir.Mutation) error
	Delete(ctx context.Context, txID, collection string, keys []ir.Key) error
}

// SQL binds one collection to a Backend. Each batch is one backend
// transaction, so a constraint violation on any record rejects them all.
type SQL struct {
	backend    Backend
	collection string
}

var _ Adapter = (*SQL)(nil)

// NewSQL returns an adapter for collection over backend.
func NewSQL(backend Backend, collection string) *SQL {
	return &SQL{backend: backend, collection: collection}
}

func (a *SQL) FetchAll(ctx context.Context) ([]ir.IRObject, error) {
	return a.backend.FetchAll(ctx, a.collection)
}

func (a *SQL) OnInsert(ctx context.Context, muts []ir.Mutation) ([]ir.IRObject, error) {
	records := make([]ir.IRObject, len(muts))
	for i, m := range muts {
		records[i] = m.Modified
	}
	return a.backend.Insert(ctx, txOf(muts), a.collection, records)
}

func (a *SQL) OnUpdate(ctx context.Context, muts []ir.Mutation) error {
	return a.backend.Update(ctx, txOf(muts), a.collection, muts)
}

func (a *SQL) OnDelete(ctx context.Context, muts []ir.Mutation) error {
	keys := make([]ir.Key, len(muts))
	for i, m := range muts {
		keys[i] = m.Key
	}
	return a.backend.Delete(ctx, txOf(muts), a.collection, keys)
}

func txOf(muts []ir.Mutation) string {
	if len(muts) == 0 {
		return ""
	}
	return muts[0].TxID
}
