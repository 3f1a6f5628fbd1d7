package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boopnet/boopd/internal/ledger"
)

func TestBPMBoundary(t *testing.T) {
	m := ledger.NewMirror()
	l := NewLimiter(m)

	// Exactly BPMLimit boops inside one window are admitted.
	base := int64(1_000_000)
	for i := 0; i < BPMLimit; i++ {
		now := base + int64(i)*10
		assert.EqualValues(t, 0, l.Cooldown(now), "boop %d", i)
		l.Admit(now)
	}

	// The next one at +59_999 is rejected with 1ms remaining.
	assert.EqualValues(t, 1, l.Cooldown(base+BPMWindowMs-1))

	// At +60_000 the oldest stamp has aged out and a new boop is admitted.
	assert.EqualValues(t, 0, l.Cooldown(base+BPMWindowMs))
}

func TestBPMWindowPrunes(t *testing.T) {
	m := ledger.NewMirror()
	l := NewLimiter(m)

	for i := 0; i < BPMLimit; i++ {
		l.Admit(1000)
	}
	assert.Equal(t, BPMLimit, l.WindowLen())

	// Recording after the window passes prunes the stale stamps.
	l.Admit(1000 + BPMWindowMs)
	assert.Equal(t, 1, l.WindowLen())
}

func TestBPHSaturation(t *testing.T) {
	now := int64(5_000_000)

	m := ledger.NewMirror()
	m.Put("k", ledger.Entry{ValidUntil: now + 1_800_000, Change: BPHLimit})
	l := NewLimiter(m)

	// A single entry holding the whole budget: relief at its expiry.
	assert.EqualValues(t, 1_800_000, l.Cooldown(now))
}

func TestBPHSaturationFullWindow(t *testing.T) {
	now := int64(5_000_000)

	m := ledger.NewMirror()
	m.Put("k", ledger.Entry{ValidUntil: now + BPHWindowMs, Change: BPHLimit})
	l := NewLimiter(m)

	assert.EqualValues(t, BPHWindowMs, l.Cooldown(now))
}

func TestBPHWalkStopsAtFirstRelief(t *testing.T) {
	now := int64(0)

	m := ledger.NewMirror()
	m.Put("a", ledger.Entry{ValidUntil: 100, Change: 4000})
	m.Put("b", ledger.Entry{ValidUntil: 200, Change: 4000})
	m.Put("c", ledger.Entry{ValidUntil: 300, Change: 4000})
	l := NewLimiter(m)

	// Total 12000; dropping the first 4000 brings it below 10000.
	assert.EqualValues(t, 100, l.Cooldown(now))
}

func TestBPHUnsyncedCountsAgainstBudget(t *testing.T) {
	now := int64(0)

	m := ledger.NewMirror()
	m.Put("a", ledger.Entry{ValidUntil: 500, Change: BPHLimit - 1})
	l := NewLimiter(m)
	assert.EqualValues(t, 0, l.Cooldown(now))

	// One unsynced boop tips the hourly total over the cap.
	m.Record()
	assert.EqualValues(t, 500, l.Cooldown(now))
}

func TestBPHExhaustedWalkFallsBackToFullWindow(t *testing.T) {
	now := int64(0)

	// Only unsynced boops, no entries to expire: relief a full window away.
	m := ledger.NewMirror()
	for i := 0; i < BPHLimit; i++ {
		m.Record()
	}
	l := NewLimiter(m)
	assert.EqualValues(t, BPHWindowMs, l.Cooldown(now))
}

func TestBPHStaleEntryYieldsZero(t *testing.T) {
	now := int64(10_000)

	// The relieving entry already expired but has not been swept yet.
	m := ledger.NewMirror()
	m.Put("a", ledger.Entry{ValidUntil: 5_000, Change: BPHLimit})
	l := NewLimiter(m)
	assert.EqualValues(t, 0, l.Cooldown(now))
}

func TestNoLimitsNoCooldown(t *testing.T) {
	l := NewLimiter(ledger.NewMirror())
	assert.EqualValues(t, 0, l.Cooldown(123))
}
