// Package ratelimit provides a token-bucket rate limiter with lazy refill.
//
// Tokens regenerate continuously at max/period from elapsed wall-clock
// time, computed on each access rather than by a background timer. The
// token count is clamped to [0, max] at all times.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a refillable token bucket. Safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	max        float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// New creates a Bucket holding max tokens that fully refills over the
// given period. A full bucket is available immediately.
func New(max float64, period time.Duration, opts ...Option) *Bucket {
	b := &Bucket{
		max:        max,
		tokens:     max,
		refillRate: max / period.Seconds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b
}

// refill credits tokens for the time elapsed since the last refill,
// clamping to [0, max]. Caller must hold mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
	b.lastRefill = now
}

// Allow consumes one token if available and reports whether it did.
func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available and reports whether it did.
func (b *Bucket) AllowN(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens returns the current token count after lazy refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// Max returns the bucket capacity.
func (b *Bucket) Max() float64 { return b.max }

// WaitTime returns how long until one full token is available. Zero when a
// token is already available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}
