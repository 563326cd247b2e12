// Package engine implements the Transaction Manager of a livedb session.
//
// The engine owns the optimistic write path. A mutation is validated,
// written to the Entity Store as pending and recomputed into every live
// view in one tick, and only then sent to the collection's Sync Adapter
// in a goroutine.
//
// ARCHITECTURE:
//
// Single-Writer Settlement Loop:
// Adapter goroutines never write to the stores. They enqueue the outcome
// of their calls, and Engine.Run applies outcomes one at a time under the
// live engine's tick lock:
//  1. Persisted inserts swap their pending key for the real key
//     (Store.Replace) and every reference to it is rewritten.
//  2. Persisted updates are marked synced.
//  3. A failed call undoes its mutations and every later one of the
//     transaction, restoring the exact pre-transaction entries.
//  4. Handles are released after the tick's views were delivered, so a
//     rejected Wait always observes the rolled-back state.
//
// Refresh:
// Every settlement schedules a background FetchAll of the touched
// collections. Fetches are coalesced per collection, retried with
// exponential backoff on NETWORK errors and merged by the Run loop
// without touching records owned by in-flight transactions.
//
// Toggles:
// For collections with a natural key (likes, bookmarks) inserting an
// existing pair is a no-op, and deleting a pair whose insert is still in
// flight waits for that insert instead of failing.
package engine
