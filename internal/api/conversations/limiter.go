package conversations

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter hands out one token bucket per identity. A zero rate disables it.
type SendLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter allows perSecond sends per identity with the given burst
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether identityID may send now
func (l *SendLimiter) Allow(identityID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	entry, ok := l.limiters[identityID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[identityID] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// Sweep forgets identities that have not sent for idle
func (l *SendLimiter) Sweep(idle time.Duration) {
	if l == nil {
		return
	}
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}
