package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEntry(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Entry
		ok   bool
	}{
		{"valid", `[1700000000000, 7]`, Entry{ValidUntil: 1700000000000, Change: 7}, true},
		{"zero change", `[1700000000000, 0]`, Entry{ValidUntil: 1700000000000, Change: 0}, true},
		{"zero validUntil", `[0, 7]`, Entry{}, false},
		{"negative validUntil", `[-1, 7]`, Entry{}, false},
		{"too short", `[1700000000000]`, Entry{}, false},
		{"too long", `[1, 2, 3]`, Entry{}, false},
		{"not an array", `{"validUntil": 1, "change": 2}`, Entry{}, false},
		{"string members", `["1700000000000", "7"]`, Entry{}, false},
		{"float members", `[1700000000000.5, 7]`, Entry{}, false},
		{"null", `null`, Entry{}, false},
		{"trailing garbage", `[1700000000000, 7] extra`, Entry{}, false},
		{"empty", ``, Entry{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeEntry(json.RawMessage(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntryValueRoundTrip(t *testing.T) {
	e := Entry{ValidUntil: 123456, Change: 42}
	raw, err := json.Marshal(e.Value())
	require.NoError(t, err)
	got, ok := DecodeEntry(raw)
	require.True(t, ok)
	assert.Equal(t, e, got)
}

func TestMirrorSumTracksEntries(t *testing.T) {
	m := NewMirror()
	assert.EqualValues(t, 0, m.Sum())

	m.Put("a", Entry{ValidUntil: 10, Change: 3})
	m.Put("b", Entry{ValidUntil: 20, Change: 4})
	assert.EqualValues(t, 7, m.Sum())
	assert.Equal(t, 2, m.Len())

	// Replacing a key must not double-count.
	prev, replaced := m.Put("a", Entry{ValidUntil: 30, Change: 5})
	assert.True(t, replaced)
	assert.EqualValues(t, 3, prev.Change)
	assert.EqualValues(t, 9, m.Sum())

	e, ok := m.Remove("b")
	assert.True(t, ok)
	assert.EqualValues(t, 4, e.Change)
	assert.EqualValues(t, 5, m.Sum())

	_, ok = m.Remove("unknown")
	assert.False(t, ok)
	assert.EqualValues(t, 5, m.Sum())
}

func TestMirrorUnsynced(t *testing.T) {
	m := NewMirror()
	for i := 0; i < 7; i++ {
		m.Record()
	}
	assert.EqualValues(t, 7, m.Unsynced())
	assert.EqualValues(t, 7, m.Total())

	n := m.TakeUnsynced()
	assert.EqualValues(t, 7, n)
	assert.EqualValues(t, 0, m.Unsynced())

	// A second take with nothing pending is a no-op.
	assert.EqualValues(t, 0, m.TakeUnsynced())

	// Failed append hands the batch back.
	m.Restore(n)
	assert.EqualValues(t, 7, m.Unsynced())
}

func TestMirrorTotalIncludesUnsynced(t *testing.T) {
	m := NewMirror()
	m.Put("a", Entry{ValidUntil: 10, Change: 9000})
	m.Record()
	m.Record()
	assert.EqualValues(t, 9002, m.Total())
}

func TestSortedEntries(t *testing.T) {
	m := NewMirror()
	m.Put("c", Entry{ValidUntil: 30, Change: 1})
	m.Put("a", Entry{ValidUntil: 10, Change: 2})
	m.Put("b", Entry{ValidUntil: 20, Change: 3})

	got := m.SortedEntries()
	require.Len(t, got, 3)
	assert.EqualValues(t, 10, got[0].ValidUntil)
	assert.EqualValues(t, 20, got[1].ValidUntil)
	assert.EqualValues(t, 30, got[2].ValidUntil)
}
