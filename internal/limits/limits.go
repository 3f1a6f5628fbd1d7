// Package limits computes boop admission cooldowns from the two rate windows:
// the short in-memory minute window and the hourly window charged against the
// durable BPH ledger.
package limits

import "github.com/boopnet/boopd/internal/ledger"

// Rate limits and windows, in boops and milliseconds.
const (
	BPMLimit    = 1000
	BPMWindowMs = 60_000

	BPHLimit    = 10_000
	BPHWindowMs = 3_600_000

	// CooldownFailLimit is the number of consecutive boops rejected during an
	// active cooldown before the session is closed for protocol abuse.
	CooldownFailLimit = 5
)

// HourLedger is the limiter's view of the BPH mirror.
type HourLedger interface {
	Total() int64
	SortedEntries() []ledger.Entry
}

// MinuteWindow holds the timestamps of recently admitted boops, pruned so
// every entry is younger than BPMWindowMs.
type MinuteWindow struct {
	stamps []int64
}

// Prune drops timestamps that have aged out of the window.
func (w *MinuteWindow) Prune(now int64) {
	i := 0
	for i < len(w.stamps) && now-w.stamps[i] >= BPMWindowMs {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Record notes an admitted boop.
func (w *MinuteWindow) Record(now int64) {
	w.Prune(now)
	w.stamps = append(w.stamps, now)
}

func (w *MinuteWindow) Len() int { return len(w.stamps) }

func (w *MinuteWindow) oldest() int64 { return w.stamps[0] }

// Limiter combines both windows into a single cooldown computation.
type Limiter struct {
	window MinuteWindow
	ledger HourLedger
}

func NewLimiter(hl HourLedger) *Limiter {
	return &Limiter{ledger: hl}
}

// Admit records an admitted boop in the minute window. The hourly charge is
// the ledger's Record, owned by the session.
func (l *Limiter) Admit(now int64) {
	l.window.Record(now)
}

// WindowLen reports the current minute-window occupancy.
func (l *Limiter) WindowLen() int { return l.window.Len() }

// Cooldown returns the milliseconds until a new boop would be admitted; zero
// means admit now. The hourly window dominates: when the ledgered total plus
// unsynced boops reaches BPHLimit, relief comes only from entries expiring.
func (l *Limiter) Cooldown(now int64) int64 {
	if sum := l.ledger.Total(); sum >= BPHLimit {
		soonest := now + BPHWindowMs
		for _, e := range l.ledger.SortedEntries() {
			sum -= e.Change
			if sum < BPHLimit {
				soonest = e.ValidUntil
				break
			}
		}
		if cd := soonest - now; cd > 0 {
			return cd
		}
		return 0
	}

	if l.window.Len() >= BPMLimit {
		oldest := l.window.oldest()
		if now-oldest >= BPMWindowMs {
			l.window.Prune(now)
			return 0
		}
		return BPMWindowMs - (now - oldest)
	}

	return 0
}
