package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/live"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/txn"
)

// Engine is the Transaction Manager of one session.
//
// Callers mutate collections through Insert, Update, Delete, DeleteWhere
// and Transact. Each call applies its writes optimistically to the Entity
// Stores inside one live tick and returns a handle; the adapter call runs
// in its own goroutine and its outcome is queued as an Event.
//
// CRITICAL: settlements and refresh merges are applied only by the Run
// loop, under the same tick lock as caller mutations.
//
// Thread-safety model:
//   - Insert/Update/Delete/DeleteWhere/Transact: safe from any goroutine,
//     never from inside a subscriber callback
//   - Run(): must be called from exactly one goroutine
//   - Live(): safe from any goroutine
type Engine struct {
	reg    *registry.Registry
	live   *live.Engine
	logger *slog.Logger
	clock  *Clock
	queue  *eventQueue

	keyGen TokenGenerator
	txGen  TokenGenerator

	autoRefresh bool
	newBackoff  func() backoff.BackOff

	// ctx bounds adapter calls; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is guarded by the live tick lock: it is only read
	// or written inside live.Batch.
	flights    map[string]*flight
	owners     map[recordRef]string // record -> in-flight transaction that wrote it
	inserting  map[string]int       // collection -> in-flight inserts
	generation map[string]uint64    // collection -> settlement counter
	refreshing map[string]*refreshState
	unverified map[string]map[ir.Key]struct{}

	// aliases maps reconciled pending keys to their real keys. Adapter
	// goroutines read it, so it has its own lock.
	amu     sync.RWMutex
	aliases map[recordRef]ir.Key

	busy atomic.Int64 // in-flight transactions and refreshes
}

// recordRef identifies one record across collections.
type recordRef struct {
	collection string
	key        ir.Key
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithKeyGenerator sets the source of pending-key tokens.
// Default: UUIDv7Generator.
func WithKeyGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		e.keyGen = g
	}
}

// WithTxIDGenerator sets the source of transaction ids.
// Default: UUIDv7Generator.
func WithTxIDGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		e.txGen = g
	}
}

// WithAutoRefresh controls whether every settlement schedules a
// background refresh of the touched collections. Default: true.
func WithAutoRefresh(on bool) Option {
	return func(e *Engine) {
		e.autoRefresh = on
	}
}

// WithRefreshBackoff sets the retry policy for refresh fetches that fail
// with a NETWORK error. The factory is called once per refresh.
func WithRefreshBackoff(f func() backoff.BackOff) Option {
	return func(e *Engine) {
		e.newBackoff = f
	}
}

// DefaultRefreshBackoff retries a failed fetch up to 5 times with
// exponential delays starting at 50ms.
func DefaultRefreshBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// New creates an Engine over the collections of reg. The live query
// engine is created with it and shares the logger.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:         reg,
		logger:      slog.Default(),
		clock:       NewClock(),
		queue:       newEventQueue(),
		keyGen:      UUIDv7Generator{},
		txGen:       UUIDv7Generator{},
		autoRefresh: true,
		newBackoff:  DefaultRefreshBackoff,
		flights:     make(map[string]*flight),
		owners:      make(map[recordRef]string),
		inserting:   make(map[string]int),
		generation:  make(map[string]uint64),
		refreshing:  make(map[string]*refreshState),
		unverified:  make(map[string]map[ir.Key]struct{}),
		aliases:     make(map[recordRef]ir.Key),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.live = live.New(reg, live.WithLogger(e.logger))
	return e
}

// Live returns the live query engine that observes this session.
func (e *Engine) Live() *live.Engine { return e.live }

// Registry returns the session's collections.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Insert adds record to a collection. See Tx.Insert.
func (e *Engine) Insert(collection string, record ir.IRObject) (*txn.Handle, error) {
	return e.Transact(func(tx *Tx) error {
		_, err := tx.Insert(collection, record)
		return err
	})
}

// Update changes the record under key. See Tx.Update.
func (e *Engine) Update(collection string, key ir.Key, mutate Mutator) (*txn.Handle, error) {
	return e.Transact(func(tx *Tx) error {
		return tx.Update(collection, key, mutate)
	})
}

// Delete removes the record under key. See Tx.Delete.
func (e *Engine) Delete(collection string, key ir.Key) (*txn.Handle, error) {
	return e.Transact(func(tx *Tx) error {
		return tx.Delete(collection, key)
	})
}

// DeleteWhere removes the record matching a natural key. See
// Tx.DeleteWhere.
func (e *Engine) DeleteWhere(collection string, naturalKey ir.IRObject) (*txn.Handle, error) {
	return e.Transact(func(tx *Tx) error {
		_, err := tx.DeleteWhere(collection, naturalKey)
		return err
	})
}

// Run starts the settlement loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: a failure while applying an event is logged with the
// event context and processing continues; the affected collection is
// corrected by its next refresh.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "event", "engine_start")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, event); err != nil {
				e.logEventError(event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled", "event", "engine_stop")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// makes this case fire immediately.
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed", "event", "engine_stop")
				return nil
			}
		}
	}
}

// Stop shuts the engine down: the queue is closed, which makes Run
// return, and in-flight adapter calls are cancelled.
func (e *Engine) Stop() {
	e.queue.Close()
	e.cancel()
}

// Busy reports the number of in-flight transactions and refreshes.
func (e *Engine) Busy() int64 { return e.busy.Load() }

// Settle blocks until no transaction or refresh is in flight and every
// queued event was applied, or ctx ends. Run must be running.
func (e *Engine) Settle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if e.busy.Load() == 0 && e.queue.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Idle reports whether nothing can make progress without outside help:
// no event is queued and every in-flight transaction is either one of the
// held adapter calls or waiting on an unfinished earlier transaction.
// Scenario runners use it to step a session while calls are held open.
func (e *Engine) Idle(held int) bool {
	if e.queue.Len() > 0 {
		return false
	}
	parked := 0
	_ = e.live.Batch(func() error {
		for _, f := range e.flights {
			if f.parked() {
				parked++
			}
		}
		return nil
	})
	return e.busy.Load() == int64(held+parked)
}

// processEvent routes an event to its handler.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventTypeSettlement:
		if event.Settlement == nil {
			return fmt.Errorf("settlement event missing settlement data")
		}
		e.applySettlement(ctx, event.Settlement)
		return nil

	case EventTypeRefresh:
		if event.Refresh == nil {
			return fmt.Errorf("refresh event missing snapshot data")
		}
		return e.applyRefresh(event.Refresh)

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

func (e *Engine) enqueue(ev Event) {
	ev.Seq = e.clock.Next()
	if !e.queue.Enqueue(ev) {
		e.logger.Warn("event dropped: engine stopped",
			"event", "event_dropped",
			"type", ev.Type.String(),
			"seq", ev.Seq)
	}
}

func (e *Engine) logEventError(event Event, err error) {
	attrs := []any{
		"event", "event_error",
		"type", event.Type.String(),
		"seq", event.Seq,
		"error", err,
	}
	if event.Refresh != nil {
		attrs = append(attrs, "collection", event.Refresh.collection)
	}
	if event.Settlement != nil {
		attrs = append(attrs, "tx_id", event.Settlement.flight.tx.ID())
	}
	e.logger.Error("event processing failed", attrs...)
}

// alias returns the real key a reconciled pending key was replaced with.
func (e *Engine) alias(collection string, key ir.Key) (ir.Key, bool) {
	if !key.IsPending() {
		return key, false
	}
	e.amu.RLock()
	defer e.amu.RUnlock()
	real, ok := e.aliases[recordRef{collection, key}]
	return real, ok
}

// Resolve maps a pending key that was already reconciled to its real
// key. Any other key is returned unchanged.
func (e *Engine) Resolve(collection string, key ir.Key) ir.Key {
	if real, ok := e.alias(collection, key); ok {
		return real
	}
	return key
}

func (e *Engine) setAlias(collection string, pending, real ir.Key) {
	e.amu.Lock()
	defer e.amu.Unlock()
	e.aliases[recordRef{collection, pending}] = real
}
