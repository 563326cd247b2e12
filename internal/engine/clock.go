package engine

import "sync/atomic"

// Clock is the monotonic logical clock that stamps queued events.
//
// Every event gets a strictly increasing seq number, so logs order
// settlements and refreshes the way the Run loop applied them.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Adapter goroutines call Next() when they enqueue.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

