package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = time.Minute
	limiterIdleTTL         = 3 * time.Minute
)

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// connLimiter gates WebSocket upgrades at two levels: a per-IP token bucket
// against single abusive peers and a global one against thundering herds.
type connLimiter struct {
	global *rate.Limiter
	perIP  rate.Limit
	burst  int

	mu  sync.Mutex
	ips map[string]*ipEntry
}

func newConnLimiter(globalPerSec, perIPPerSec int) *connLimiter {
	return &connLimiter{
		global: rate.NewLimiter(rate.Limit(globalPerSec), globalPerSec),
		perIP:  rate.Limit(perIPPerSec),
		burst:  perIPPerSec * 2,
		ips:    map[string]*ipEntry{},
	}
}

func (l *connLimiter) allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.ips[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.perIP, l.burst)}
		l.ips[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	// Per-IP first so one peer cannot burn the global budget.
	return e.lim.Allow() && l.global.Allow()
}

// runCleanup drops per-IP buckets that have been idle past the TTL.
func (l *connLimiter) runCleanup(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	t := time.NewTicker(limiterCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-limiterIdleTTL)
			l.mu.Lock()
			for ip, e := range l.ips {
				if e.lastSeen.Before(cutoff) {
					delete(l.ips, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
