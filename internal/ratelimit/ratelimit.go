// Package ratelimit throttles job submissions per user with in-memory token
// buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter hands out tokens per user at a fixed per-minute rate. Buckets start
// full, so the burst equals the limit. A zero rate disables limiting.
type Limiter struct {
	rpm int

	mu      sync.Mutex
	buckets map[int]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter allowing rpm submissions per user per minute.
func New(rpm int) *Limiter {
	return &Limiter{rpm: rpm, buckets: make(map[int]*bucket)}
}

// Allow consumes one token for the user. When denied, retryAfter is the
// number of seconds until the next token, suitable for a Retry-After header.
func (l *Limiter) Allow(userID int) (ok bool, retryAfter int) {
	if l.rpm <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[userID]
	if !exists {
		b = &bucket{tokens: float64(l.rpm), lastRefill: now}
		l.buckets[userID] = b
	}

	rate := float64(l.rpm) / 60.0
	b.tokens += now.Sub(b.lastRefill).Seconds() * rate
	if b.tokens > float64(l.rpm) {
		b.tokens = float64(l.rpm)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false, int((1-b.tokens)/rate) + 1
	}
	b.tokens--
	return true, 0
}

// Cleanup drops buckets idle longer than maxIdle. Run it periodically so the
// map does not grow with every user ever seen.
func (l *Limiter) Cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for id, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
