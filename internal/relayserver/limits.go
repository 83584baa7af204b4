package relayserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operational limits — named constants, grounded on the teacher's
// limits.go convention of collecting tunables previously scattered across
// files (server/limits.go).
const (
	// idleSessionTimeout is how long a session may go without any
	// received envelope before the Relay terminates it (§4.4 d).
	idleSessionTimeout = 45 * time.Second

	// perIPBurst and perIPRate bound how many new websocket upgrades a
	// single remote address may start per second, mirroring the teacher's
	// "-rate-limit"/"-per-ip-limit" CLI flags (server/main.go) via
	// golang.org/x/time/rate instead of a hand-rolled token counter.
	perIPRate  = 5
	perIPBurst = 20

	// visitorIdleEvictAfter bounds how long an IP's limiter entry is kept
	// once it stops connecting, so the map doesn't grow unbounded against
	// a LAN full of transient devices.
	visitorIdleEvictAfter = 10 * time.Minute
)

// ipLimiter is a per-remote-address token bucket limiter for inbound
// websocket upgrade requests.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter() *ipLimiter {
	l := &ipLimiter{visitors: make(map[string]*visitor)}
	return l
}

// allow reports whether addr may proceed with a new connection attempt
// right now, lazily creating its token bucket on first sight and
// opportunistically evicting long-idle entries.
func (l *ipLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perIPRate), perIPBurst)}
		l.visitors[addr] = v
	}
	v.lastSeen = time.Now()

	if len(l.visitors) > 1024 {
		l.evictIdleLocked()
	}
	return v.limiter.Allow()
}

func (l *ipLimiter) evictIdleLocked() {
	cutoff := time.Now().Add(-visitorIdleEvictAfter)
	for addr, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, addr)
		}
	}
}
