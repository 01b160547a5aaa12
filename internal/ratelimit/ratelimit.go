// Package ratelimit implements a per-session token bucket limiter for
// the control API. Thread-safe; no background goroutines — buckets are
// refilled lazily on each Allow call and pruned when a session ends.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a session has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-session token bucket limiter. Each session gets an
// independent bucket; a chatty sandbox cannot starve its neighbors.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*bucket
	rate     float64 // tokens per second
	burst    float64 // max bucket capacity

	now func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter with the given configuration. If
// RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		sessions: make(map[string]*bucket),
		rate:     float64(cfg.RequestsPerMinute) / 60.0,
		burst:    float64(burst),
		now:      time.Now,
	}
}

// Allow consumes one token from the session's bucket, refilling for
// elapsed time first. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(sessionID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.sessions[sessionID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.sessions[sessionID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Forget drops a session's bucket at teardown so the table tracks only
// live sandboxes.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}
