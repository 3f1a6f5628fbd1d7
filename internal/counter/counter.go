// Package counter schedules the coalesced atomic-add writes that reconcile a
// session's admitted boops with the shared global counter. The scheduler is a
// single-flight state machine: the owning session goroutine decides when a
// write begins, launches it, and feeds the outcome back in.
package counter

// SyncIntervalMs is the minimum spacing between atomic-add attempts for one
// session. Coalescing to this cadence bounds the per-session write rate while
// the optimistic display hides the sync latency.
const SyncIntervalMs = 250

// Counter tracks the last value observed from the store plus the boops not
// yet added to it. Owned by one session goroutine; no locking.
type Counter struct {
	last     int64 // most recent store value, advanced optimistically on sync
	unsynced int64 // admitted boops not yet added to the store
	lastSync int64 // epoch-ms of the last attempted sync
	inflight bool  // a write is outstanding; callers coalesce onto it
}

func New() *Counter { return &Counter{} }

// Seed installs the initial store value read during session init.
func (c *Counter) Seed(v int64) { c.last = v }

// Record counts one admitted boop.
func (c *Counter) Record() { c.unsynced++ }

// Display is the value shown to the client: the optimistic sum of the last
// observed store value and everything not yet written.
func (c *Counter) Display() int64 { return c.last + c.unsynced }

// Unsynced reports the boops awaiting a write.
func (c *Counter) Unsynced() int64 { return c.unsynced }

// Begin decides whether a sync should start. A second caller while a write is
// in flight coalesces onto it. Outside a final flush, writes are spaced at
// least SyncIntervalMs apart. Returns the delta to add and whether to issue
// the write.
func (c *Counter) Begin(now int64, final bool) (delta int64, ok bool) {
	if c.inflight || c.unsynced == 0 {
		return 0, false
	}
	if !final && now-c.lastSync < SyncIntervalMs {
		return 0, false
	}
	delta = c.unsynced
	c.unsynced = 0
	c.last += delta
	c.lastSync = now
	c.inflight = true
	return delta, true
}

// Complete feeds back the write outcome. A failed write returns its delta to
// the unsynced pool and backs it out of the optimistic value, so the display
// holds steady and the next scheduled sync retries. Returns whether another
// interval elapsed mid-write and the caller should re-enter immediately.
func (c *Counter) Complete(now, delta int64, err error) (again bool) {
	c.inflight = false
	if err != nil {
		c.last -= delta
		c.unsynced += delta
		return false
	}
	return c.unsynced != 0 && now-c.lastSync >= SyncIntervalMs
}

// Drain zeroes and returns the unsynced count regardless of in-flight state.
// Only the final flush uses it, after the session stopped accepting
// completion events.
func (c *Counter) Drain() int64 {
	n := c.unsynced
	c.unsynced = 0
	c.last += n
	return n
}

// Observe applies an externally pushed store value. Unchanged values are
// ignored; otherwise the new value replaces the last observed one and the
// caller re-emits the count to the client.
func (c *Counter) Observe(v int64) (changed bool) {
	if v == c.last {
		return false
	}
	c.last = v
	return true
}
