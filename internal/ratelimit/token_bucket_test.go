package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestAllowWithinBurst(t *testing.T) {
	l := newLimiter(10, 5, newClock().now)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("expected allow on request %d within burst", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("expected rate limit after burst exhausted")
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := newLimiter(3, 0, newClock().now)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want 3", allowed)
	}
}

func TestRefillOverTime(t *testing.T) {
	clock := newClock()
	l := newLimiter(2, 1, clock.now)
	l.Allow()
	if l.Allow() {
		t.Fatal("expected limit with an empty bucket")
	}
	if got := l.RetryAfter(); got != 500*time.Millisecond {
		t.Errorf("RetryAfter = %s, want 500ms", got)
	}
	clock.advance(500 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("expected allow after refill")
	}
}

func TestRefillCappedAtBurst(t *testing.T) {
	clock := newClock()
	l := newLimiter(100, 2, clock.now)
	clock.advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d, want 2", allowed)
	}
}

func TestStorePerKeyLimiters(t *testing.T) {
	s := NewStore(100, 10)
	s.now = newClock().now
	for i := 0; i < 10; i++ {
		if !s.Allow("key-a") {
			t.Fatalf("expected allow on key-a request %d", i+1)
		}
	}
	if s.Allow("key-a") {
		t.Fatal("expected key-a to be limited")
	}
	if !s.Allow("key-b") {
		t.Fatal("expected allow on key-b (fresh limiter)")
	}
}

func TestStoreEvictsIdleLimiters(t *testing.T) {
	clock := newClock()
	s := NewStore(1, 1)
	s.now = clock.now

	s.Allow("idle")
	clock.advance(DefaultIdleTTL / 2)
	s.Allow("active")
	clock.advance(DefaultIdleTTL / 2)
	s.Allow("active")

	s.Allow("new")
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2 after sweeping the idle limiter", got)
	}
	if s.Allow("active") {
		t.Fatal("active limiter was reset by the sweep")
	}
}

func TestStoreIdleTTLCoversRefill(t *testing.T) {
	s := NewStore(0.001, 2)
	if want := 2000 * time.Second; s.idleTTL != want {
		t.Fatalf("idleTTL = %s, want %s", s.idleTTL, want)
	}
	if got := NewStore(10, 5).idleTTL; got != DefaultIdleTTL {
		t.Fatalf("idleTTL = %s, want %s", got, DefaultIdleTTL)
	}
}
