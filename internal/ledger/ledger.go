// Package ledger maintains the session-local mirror of one client's hourly
// rate-limit entries in the durable store. The mirror is fed by store child
// events and queried by the rate limiter; admitted boops accumulate in an
// unsynced counter until the periodic sync appends them as one entry.
package ledger

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Entry is one ledgered batch of admitted boops. The store holds it as the
// two-element array [validUntil, change].
type Entry struct {
	ValidUntil int64 // epoch-ms; the entry is stale once now >= ValidUntil
	Change     int64 // number of boops admitted in this batch
}

// DecodeEntry strictly decodes a store payload. Anything but a two-element
// numeric array with a positive validUntil is malformed; the caller schedules
// the offending key for removal.
func DecodeEntry(raw json.RawMessage) (Entry, bool) {
	var arr []json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&arr); err != nil || len(arr) != 2 || dec.More() {
		return Entry{}, false
	}
	validUntil, err := arr[0].Int64()
	if err != nil {
		return Entry{}, false
	}
	change, err := arr[1].Int64()
	if err != nil {
		return Entry{}, false
	}
	if validUntil <= 0 {
		return Entry{}, false
	}
	return Entry{ValidUntil: validUntil, Change: change}, true
}

// Value returns the store representation of the entry.
func (e Entry) Value() [2]int64 {
	return [2]int64{e.ValidUntil, e.Change}
}

// Mirror shadows the client's bph subtree plus the not-yet-appended boops.
// It is owned by a single session goroutine and needs no locking.
type Mirror struct {
	entries  map[string]Entry
	sum      int64 // sum of Change over entries
	unsynced int64 // admitted boops not yet appended
}

func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string]Entry)}
}

// Put installs or replaces the entry for key and keeps the running sum in
// step. Returns the previous entry when one was replaced.
func (m *Mirror) Put(key string, e Entry) (prev Entry, replaced bool) {
	if prev, replaced = m.entries[key]; replaced {
		m.sum -= prev.Change
	}
	m.entries[key] = e
	m.sum += e.Change
	return prev, replaced
}

// Remove drops the entry for key. Returns false for unknown keys so the
// caller can log the stray removal.
func (m *Mirror) Remove(key string) (Entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(m.entries, key)
	m.sum -= e.Change
	return e, true
}

// Record counts one freshly admitted boop.
func (m *Mirror) Record() { m.unsynced++ }

// TakeUnsynced snapshots and zeroes the unsynced counter for an append. On
// append failure the caller hands the count back via Restore.
func (m *Mirror) TakeUnsynced() int64 {
	n := m.unsynced
	m.unsynced = 0
	return n
}

// Restore returns a failed append's count to the unsynced pool.
func (m *Mirror) Restore(n int64) { m.unsynced += n }

// Sum is the ledgered total, excluding unsynced boops.
func (m *Mirror) Sum() int64 { return m.sum }

// Unsynced is the count of admitted boops awaiting an append.
func (m *Mirror) Unsynced() int64 { return m.unsynced }

// Total is the hourly consumption the rate limiter charges against.
func (m *Mirror) Total() int64 { return m.sum + m.unsynced }

// Len reports the number of mirrored entries.
func (m *Mirror) Len() int { return len(m.entries) }

// SortedEntries returns the mirrored entries ascending by expiry.
func (m *Mirror) SortedEntries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil < out[j].ValidUntil })
	return out
}
