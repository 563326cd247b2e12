package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
)

// refreshState coalesces background refreshes of one collection: at most
// one fetch runs, and settlements that land meanwhile ask for another.
type refreshState struct {
	running bool
	again   bool
}

// refreshResult is a fetched snapshot on its way to the Run loop.
type refreshResult struct {
	collection string
	generation uint64
	records    []ir.IRObject
	err        error
}

// scheduleRefresh starts a background fetch of a collection unless one
// is already running. Called inside the tick.
func (e *Engine) scheduleRefresh(name string) {
	st := e.refreshing[name]
	if st == nil {
		st = &refreshState{}
		e.refreshing[name] = st
	}
	if st.running {
		st.again = true
		return
	}
	st.running = true
	gen := e.generation[name]
	e.busy.Add(1)

	go func() {
		records, err := e.fetch(e.ctx, name)
		e.enqueue(Event{Type: EventTypeRefresh, Refresh: &refreshResult{
			collection: name,
			generation: gen,
			records:    records,
			err:        err,
		}})
	}()
}

// applyRefresh merges a background snapshot. A snapshot fetched before
// the latest settlement of its collection is discarded, and one fetched
// while inserts are in flight is skipped; their settlements schedule a
// fresh fetch.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) applyRefresh(r *refreshResult) error {
	var applyErr error
	_ = e.live.Batch(func() error {
		st := e.refreshing[r.collection]
		defer func() {
			st.running = false
			if st.again {
				st.again = false
				e.scheduleRefresh(r.collection)
			}
		}()

		switch {
		case r.err != nil:
			e.markFailed(r.collection)
			applyErr = fmt.Errorf("refresh %s: %w", r.collection, r.err)
		case r.generation != e.generation[r.collection]:
			st.again = true
			e.logger.Debug("refresh discarded: stale snapshot",
				"event", "refresh_stale",
				"collection", r.collection)
		case e.inserting[r.collection] > 0:
			e.logger.Debug("refresh deferred: inserts in flight",
				"event", "refresh_deferred",
				"collection", r.collection)
		default:
			applyErr = e.merge(r.collection, r.records)
		}
		return nil
	})
	e.busy.Add(-1)
	return applyErr
}

// Load fetches the named collections (all registered collections when
// none are named) concurrently and merges every snapshot in one tick.
// Records pending under an in-flight transaction are kept. Nothing is
// merged if any fetch fails.
func (e *Engine) Load(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = e.reg.Names()
	}
	snapshots := make([][]ir.IRObject, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			records, err := e.fetch(gctx, name)
			if err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
			snapshots[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return e.live.Batch(func() error {
		for i, name := range names {
			if err := e.merge(name, snapshots[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Refresh fetches one collection and merges it. Unlike background
// refreshes it merges even while inserts are in flight.
func (e *Engine) Refresh(ctx context.Context, name string) error {
	return e.Load(ctx, name)
}

// fetch calls FetchAll, retrying NETWORK failures with the configured
// backoff. Other codes fail immediately.
func (e *Engine) fetch(ctx context.Context, name string) ([]ir.IRObject, error) {
	c, ok := e.reg.Get(name)
	if !ok {
		return nil, ir.NewValidationError(name, "", "unknown collection")
	}

	var records []ir.IRObject
	op := func() error {
		recs, err := c.Adapter.FetchAll(ctx)
		if err != nil {
			se := ir.AsSyncError(err, name)
			if se.Code != ir.ErrCodeNetwork || ctx.Err() != nil {
				return backoff.Permanent(se)
			}
			return se
		}
		records = recs
		return nil
	}
	notify := func(err error, d time.Duration) {
		e.logger.Warn("refresh fetch failed, retrying",
			"event", "refresh_retry",
			"collection", name,
			"delay", d,
			"error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(e.newBackoff(), ctx), notify); err != nil {
		return nil, ir.AsSyncError(err, name)
	}
	if records == nil {
		records = []ir.IRObject{}
	}
	return records, nil
}

// merge applies a snapshot, protecting records written by in-flight
// transactions. Called inside the tick.
func (e *Engine) merge(name string, records []ir.IRObject) error {
	st, ok := e.reg.Store(name)
	if !ok {
		return ir.NewValidationError(name, "", "unknown collection")
	}
	protect := func(k ir.Key) bool {
		_, owned := e.owners[recordRef{name, k}]
		return owned
	}
	n, err := st.Merge(records, protect)
	if err != nil {
		return fmt.Errorf("merge %s: %w", name, err)
	}
	delete(e.unverified, name)
	e.logger.Debug("collection refreshed",
		"event", "refresh_merged",
		"collection", name,
		"records", len(records),
		"changed", n)
	return nil
}

// markFailed flags records persisted since the last successful refresh
// whose state could not be confirmed. Called inside the tick.
func (e *Engine) markFailed(name string) {
	st, ok := e.reg.Store(name)
	if !ok {
		return
	}
	for key := range e.unverified[name] {
		st.SetState(key, collection.StateError)
	}
	delete(e.unverified, name)
}
