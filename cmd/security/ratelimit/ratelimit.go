// Package ratelimit provides a keyed sliding-window limiter.
//
// Each key (an IP, an email, a connection id) keeps the timestamps of its
// recent events. Keys live in a bounded expiring LRU so a caller cycling
// identities cannot grow memory without limit.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultWindow      = time.Minute
	defaultMaxAttempts = 10
	defaultMaxKeys     = 100_000
)

// Limiter allows at most maxAttempts events per key within window.
// It fails closed: once the budget is spent every call is rejected until
// old events age out.
type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxAttempts int
	keys        *expirable.LRU[string, *bucket]
}

type bucket struct {
	events []time.Time
}

// Option configures a Limiter.
type Option func(*options)

type options struct {
	maxKeys int
}

// WithMaxKeys bounds the number of tracked keys. Least recently used keys are evicted first.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// New constructs a Limiter with safe defaults when inputs are invalid.
func New(window time.Duration, maxAttempts int, opts ...Option) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	o := options{maxKeys: defaultMaxKeys}
	for _, fn := range opts {
		fn(&o)
	}
	// A key idle for a full window carries no state worth keeping.
	return &Limiter{
		window:      window,
		maxAttempts: maxAttempts,
		keys:        expirable.NewLRU[string, *bucket](o.maxKeys, nil, window),
	}
}

// Allow records an attempt for key at now and reports whether it is permitted.
func (l *Limiter) Allow(key string, now time.Time) bool {
	ok, _ := l.Check(key, now)
	return ok
}

// Check is Allow plus the time until the next attempt would be accepted.
// retryAfter is zero when allowed.
func (l *Limiter) Check(key string, now time.Time) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.keys.Get(key)
	if !ok {
		b = &bucket{events: make([]time.Time, 0, l.maxAttempts)}
	}

	cut := now.Add(-l.window)
	dst := b.events[:0]
	for _, t := range b.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	b.events = dst

	if len(b.events) >= l.maxAttempts {
		// Re-adding refreshes the TTL so a key under attack stays tracked.
		l.keys.Add(key, b)
		wait := b.events[0].Add(l.window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	b.events = append(b.events, now)
	l.keys.Add(key, b)
	return true, 0
}

// Reset forgets all attempts for key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys.Remove(key)
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keys.Len()
}

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

// MaxAttempts returns the configured budget per window.
func (l *Limiter) MaxAttempts() int { return l.maxAttempts }
