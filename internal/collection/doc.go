// Package collection implements the Entity Store: one keyed table per entity
// type holding the last known state of each record plus its sync state.
//
// Writes are atomic with respect to readers and notify listeners
// synchronously before returning, so dependent views recompute before the
// caller's next statement runs. Records handed out by the store are shared
// and must be treated as immutable; the store clones on the way in.
package collection
