// Package ratelimit enforces per-account, per-operation request limits
// over a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// Limit is the number of requests allowed within Window.
type Limit struct {
	Max    int
	Window time.Duration
}

type key struct {
	account string
	op      string
}

// Limiter keeps recent request timestamps per (account, operation).
type Limiter struct {
	mu     sync.Mutex
	events map[key][]time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{events: make(map[key][]time.Time)}
}

// Allow records a request at now and reports whether it fits within lim.
// Rejected requests are not recorded.
func (l *Limiter) Allow(account, op string, lim Limit, now time.Time) bool {
	if lim.Max <= 0 || lim.Window <= 0 {
		return true
	}
	k := key{account: account, op: op}

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.events[k], now.Add(-lim.Window))
	if len(recent) >= lim.Max {
		l.events[k] = recent
		return false
	}
	l.events[k] = append(recent, now)
	return true
}

// Sweep drops keys whose newest event is older than maxAge.
func (l *Limiter) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, ts := range l.events {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.events, k)
			removed++
		}
	}
	return removed
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
