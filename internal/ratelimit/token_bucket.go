// Package ratelimit is an in-memory token-bucket limiter keyed by caller.
// The API layer uses it to throttle requests per account or client address
// before they reach the ledger.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // capacity
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a full Limiter allowing ratePerSecond calls/s. A burst <= 0
// defaults to ratePerSecond.
func New(ratePerSecond, burst float64) *Limiter {
	return newLimiter(ratePerSecond, burst, time.Now)
}

func newLimiter(rate, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and reports whether the call is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = min(l.tokens+now.Sub(l.lastRefill).Seconds()*l.rate, l.burst)
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// RetryAfter is how long until the next token is available.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens >= 1.0 || l.rate <= 0 {
		return 0
	}
	return time.Duration((1.0 - l.tokens) / l.rate * float64(time.Second))
}

// idle reports how long the limiter has gone without a call.
func (l *Limiter) idle(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastRefill)
}

// DefaultIdleTTL is the least time a Store keeps an unused limiter.
const DefaultIdleTTL = 10 * time.Minute

// Store keeps one Limiter per key, all with the same rate and burst.
// Limiters unused for the idle TTL are evicted when new keys arrive, so
// the number of live keys is bounded by the callers seen within it.
type Store struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	rate      float64
	burst     float64
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewStore creates an empty Store. The idle TTL is DefaultIdleTTL, or the
// time an empty bucket takes to refill when that is longer, so an evicted
// caller never comes back to more tokens than it would have had.
func NewStore(ratePerSecond, burst float64) *Store {
	ttl := DefaultIdleTTL
	if ratePerSecond > 0 {
		b := burst
		if b <= 0 {
			b = ratePerSecond
		}
		if full := time.Duration(b / ratePerSecond * float64(time.Second)); full > ttl {
			ttl = full
		}
	}
	return &Store{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
		idleTTL:  ttl,
		now:      time.Now,
	}
}

// Get returns the limiter for key, creating it on first use.
func (s *Store) Get(key string) *Limiter {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l
	}
	s.sweepLocked()
	l = newLimiter(s.rate, s.burst, s.now)
	s.limiters[key] = l
	return l
}

// Allow consumes a token from key's limiter.
func (s *Store) Allow(key string) bool {
	return s.Get(key).Allow()
}

// Len is the number of live limiters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// sweepLocked drops idle limiters, at most once per idle TTL.
func (s *Store) sweepLocked() {
	now := s.now()
	if now.Sub(s.lastSweep) < s.idleTTL {
		return
	}
	s.lastSweep = now
	for key, l := range s.limiters {
		if l.idle(now) >= s.idleTTL {
			delete(s.limiters, key)
		}
	}
}
