// Package seqnum implements an in-memory, server-wide monotonic sequence
// allocator. The seqnums carried by timeline rows and by notifications
// (internal/notify) are assigned by the storage layer when an event is
// inserted, not by this allocator.
package seqnum

import "go.uber.org/atomic"

// Allocator hands out increasing int64 values from an in-memory counter
// seeded at startup from the storage layer's durable counter. The hot-path
// increment never touches the database, and the values it hands out are
// not written back, so after a restart it can repeat values from an
// earlier run.
type Allocator struct {
	counter atomic.Int64
}

// NewAllocator seeds the allocator at floor; the first Next returns
// floor+1.
func NewAllocator(floor int64) *Allocator {
	a := &Allocator{}
	a.counter.Store(floor)
	return a
}

// Next returns the next sequence number, safe for concurrent callers.
func (a *Allocator) Next() int64 {
	return a.counter.Inc()
}

// Current returns the most recently allocated value without advancing it.
func (a *Allocator) Current() int64 {
	return a.counter.Load()
}
