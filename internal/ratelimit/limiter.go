// Package ratelimit provides per-key token-bucket limiters.
package ratelimit

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key (an email, a session id, a client
// address). Buckets idle for longer than idleTTL are dropped by Prune.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry

	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   clock.Clock
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows burst events at once per key, refilled one every interval.
func NewKeyedLimiter(interval time.Duration, burst int, clk clock.Clock) *KeyedLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Every(interval),
		burst:    burst,
		idleTTL:  10 * interval * time.Duration(burst),
		clock:    clk,
	}
}

// Allow reports whether an event for key may happen now, consuming a token if so.
func (l *KeyedLimiter) Allow(key string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune drops buckets not used since idleTTL. It returns how many were dropped.
func (l *KeyedLimiter) Prune() int {
	cutoff := l.clock.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
