// Package circuitbreaker stops dispatching to a provider that keeps failing.
// The client keeps one Breaker per provider name.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after Timeout elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without being made.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Options configures a Breaker. Zero values take the defaults: 5
// failures, 1 success, 30s open timeout.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// OnStateChange, if set, is called with the breaker lock held after
	// every transition.
	OnStateChange func(from, to State)
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Breaker guards a single provider.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openUntil    time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	onStateChange    func(from, to State)
	now              func() time.Time
}

// New creates a closed Breaker.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		timeout:          opts.Timeout,
		onStateChange:    opts.OnStateChange,
		now:              opts.Now,
	}
}

// State returns the current state, moving Open to HalfOpen once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// resolve must be called with b.mu held.
func (b *Breaker) resolve() State {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.successCount = 0
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) trip() {
	b.openUntil = b.now().Add(b.timeout)
	b.successCount = 0
	b.transition(StateOpen)
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve() != StateOpen
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// Do calls fn when the breaker allows it and records the outcome.
// Cancellation by the caller's context is not held against the provider.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !b.Allow() {
		return zero, ErrCircuitOpen
	}
	v, err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil:
	default:
		b.RecordFailure()
	}
	return v, err
}

// Set holds one breaker per key, created on first use with shared options.
type Set struct {
	opts     Options
	onChange func(key string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty Set. onStateChange, when non-nil, receives the
// key of the breaker that changed.
func NewSet(opts Options, onStateChange func(key string, from, to State)) *Set {
	return &Set{opts: opts, onChange: onStateChange, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (s *Set) Get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	opts := s.opts
	if s.onChange != nil {
		opts.OnStateChange = func(from, to State) { s.onChange(key, from, to) }
	}
	b = New(opts)
	s.breakers[key] = b
	return b
}
