package engine

import (
	"github.com/roach88/livedb/internal/ir"
)

// adapterError normalizes an adapter failure to a *ir.SyncError carrying
// the collection. Errors without a structured code become NETWORK.
// A nil error stays nil.
func adapterError(err error, collection string) error {
	if err == nil {
		return nil
	}
	return ir.AsSyncError(err, collection)
}
