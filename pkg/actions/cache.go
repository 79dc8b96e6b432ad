// Bounded, lock-free pool of reusable SpanRecords
// Check-out and check-in race on atomically swapped slots and never block
package actions

import (
	"sync/atomic"
)

// DefaultCacheCapacity is the slot count used when a capacity of zero is requested.
const DefaultCacheCapacity = 64

// Allocator supplies SpanRecords to the tracker and takes them back after close.
type Allocator interface {
	Allocate() *SpanRecord
	Release(rec *SpanRecord)
}

// AlwaysNew allocates a fresh record for every span and drops released ones.
type AlwaysNew struct{}

func (AlwaysNew) Allocate() *SpanRecord { return new(SpanRecord) }

func (AlwaysNew) Release(*SpanRecord) {}

// CacheStats counts SpanCache traffic.
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Returned uint64 `json:"returned"`
	Dropped  uint64 `json:"dropped"`
}

// SpanCache is a fixed array of slots, each either empty or holding one
// reusable record. A slot is claimed by swapping nil into it, so two
// check-outs can never receive the same record.
type SpanCache struct {
	slots []atomic.Pointer[SpanRecord]
	hint  atomic.Uint32

	hits     atomic.Uint64
	misses   atomic.Uint64
	returned atomic.Uint64
	dropped  atomic.Uint64
}

// NewSpanCache creates an empty cache with the given number of slots.
func NewSpanCache(capacity int) *SpanCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &SpanCache{slots: make([]atomic.Pointer[SpanRecord], capacity)}
}

// Capacity returns the fixed slot count.
func (c *SpanCache) Capacity() int {
	return len(c.slots)
}

// Len returns the number of occupied slots at the moment of the scan.
func (c *SpanCache) Len() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// TryCheckout claims a cached record, or returns nil when none was won.
// Under contention it may return nil while a slot is occupied.
func (c *SpanCache) TryCheckout() *SpanRecord {
	n := uint32(len(c.slots))
	start := c.hint.Add(1)
	for i := range n {
		slot := &c.slots[(start+i)%n]
		if slot.Load() == nil {
			continue
		}
		if rec := slot.Swap(nil); rec != nil {
			return rec
		}
	}
	return nil
}

// Checkin resets rec and offers it back to the cache. It reports false when
// every slot was observed full, in which case rec is left for the GC.
func (c *SpanCache) Checkin(rec *SpanRecord) bool {
	if rec == nil {
		return false
	}
	rec.reset()
	n := uint32(len(c.slots))
	start := c.hint.Add(1)
	for i := range n {
		slot := &c.slots[(start+i)%n]
		if slot.Load() != nil {
			continue
		}
		if slot.CompareAndSwap(nil, rec) {
			c.returned.Add(1)
			return true
		}
	}
	c.dropped.Add(1)
	return false
}

// Allocate implements Allocator, falling back to a fresh record on a miss.
func (c *SpanCache) Allocate() *SpanRecord {
	if rec := c.TryCheckout(); rec != nil {
		c.hits.Add(1)
		return rec
	}
	c.misses.Add(1)
	return new(SpanRecord)
}

// Release implements Allocator.
func (c *SpanCache) Release(rec *SpanRecord) {
	c.Checkin(rec)
}

// Stats returns a snapshot of the cache counters.
func (c *SpanCache) Stats() CacheStats {
	return CacheStats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Returned: c.returned.Load(),
		Dropped:  c.dropped.Load(),
	}
}
