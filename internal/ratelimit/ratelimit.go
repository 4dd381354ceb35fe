// Package ratelimit implements a per-user token bucket.
package ratelimit

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
)

// LimiterConfig bounds the limiter
type LimiterConfig struct {
	MaxTokens         float64 // bucket capacity
	RefillRate        float64 // tokens per second
	MaxTrackedBuckets int     // LRU cap on tracked users
}

// bucket is one user's token state
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// Decision is the result of TryAcquire
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // set when denied
	Remaining  float64
}

// Limiter is a lazy-refill token bucket per user. Refill happens at
// acquisition time from elapsed wall clock; there is no background timer.
type Limiter struct {
	mu      sync.Mutex
	buckets map[int64]*bucket
	config  LimiterConfig

	now func() time.Time // swappable for tests
}

// New creates a limiter
func New(cfg LimiterConfig) *Limiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 10
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 0.5
	}
	if cfg.MaxTrackedBuckets <= 0 {
		cfg.MaxTrackedBuckets = 1000
	}
	return &Limiter{
		buckets: make(map[int64]*bucket),
		config:  cfg,
		now:     time.Now,
	}
}

// refillLocked brings a user's bucket up to date, creating it on first use
func (l *Limiter) refillLocked(userID int64) *bucket {
	now := l.now()

	b, ok := l.buckets[userID]
	if !ok {
		if len(l.buckets) >= l.config.MaxTrackedBuckets {
			l.evictLRULocked()
		}
		b = &bucket{tokens: l.config.MaxTokens, lastRefill: now}
		l.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(l.config.MaxTokens, b.tokens+elapsed*l.config.RefillRate)
		b.lastRefill = now
	}
	b.lastUsed = now
	return b
}

// evictLRULocked drops the least recently used bucket to stay bounded
func (l *Limiter) evictLRULocked() {
	var lruUser int64
	var lruTime time.Time
	first := true
	for userID, b := range l.buckets {
		if first || b.lastUsed.Before(lruTime) {
			lruTime = b.lastUsed
			lruUser = userID
			first = false
		}
	}
	if !first {
		delete(l.buckets, lruUser)
		L_debug("ratelimit: evicted idle bucket", "userID", lruUser, "max", l.config.MaxTrackedBuckets)
	}
}

// TryAcquire consumes one token for the user if available
func (l *Limiter) TryAcquire(userID int64) Decision {
	return l.TryAcquireN(userID, 1.0)
}

// TryAcquireN consumes cost tokens for the user if available. When denied
// it reports how long until the request would succeed.
func (l *Limiter) TryAcquireN(userID int64, cost float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(userID)

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	needed := cost - b.tokens
	retry := time.Duration(needed / l.config.RefillRate * float64(time.Second))
	L_debug("ratelimit: denied", "userID", userID, "retryAfter", retry)
	return Decision{Allowed: false, RetryAfter: retry, Remaining: b.tokens}
}

// Remaining returns the user's current token count without consuming
func (l *Limiter) Remaining(userID int64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refillLocked(userID).tokens
}

// Reset restores a user's bucket to full capacity
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[userID] = &bucket{
		tokens:     l.config.MaxTokens,
		lastRefill: l.now(),
		lastUsed:   l.now(),
	}
}

// ResetAll clears every tracked bucket
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[int64]*bucket)
}

// TrimIdle removes buckets idle for longer than maxIdle. Returns the
// number removed. Used by the janitor sweep; full buckets carry no state
// worth keeping.
func (l *Limiter) TrimIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for userID, b := range l.buckets {
		if now.Sub(b.lastUsed) > maxIdle {
			delete(l.buckets, userID)
			removed++
		}
	}
	return removed
}

// TrackedCount returns the number of tracked buckets
func (l *Limiter) TrackedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
