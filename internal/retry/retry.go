// Package retry provides a generic bounded-retry combinator with exponential
// backoff and jitter. It is meant for idempotent, read-like calls against
// flaky third-party services.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// Default policy values.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles afterwards.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay (before jitter).
	MaxDelay time.Duration

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep and Rand are overridable for tests. Sleep defaults to a
	// context-aware timer; Rand returns a float64 in [0,1).
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultPolicy returns the policy used for scoring calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", proxyerr.ErrRetryExhausted, e.Attempts, e.Last)
}

// Unwrap exposes the final failure.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is matches proxyerr.ErrRetryExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == proxyerr.ErrRetryExhausted }

// Permanent marks err as not worth retrying. Do returns the unwrapped error
// immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do invokes op until it succeeds or the policy's attempts run out.
// Context cancellation and Permanent errors stop retrying and are returned
// as-is; exhaustion returns an *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalize()
	schedule := backoff.WithMaxRetries(p.schedule(), uint64(p.MaxAttempts-1))

	var zero T
	for failures := 1; ; failures++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		if ctx.Err() != nil {
			return zero, err
		}

		next := schedule.NextBackOff()
		if next == backoff.Stop {
			return zero, &ExhaustedError{Attempts: failures, Last: err}
		}
		delay := p.jitter(next)
		if p.OnRetry != nil {
			p.OnRetry(failures, err, delay)
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Wrap turns a single-argument fallible call into a retried one.
func Wrap[In, Out any](p Policy, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		return Do(ctx, p, func(ctx context.Context) (Out, error) {
			return fn(ctx, in)
		})
	}
}

// schedule is the doubling delay sequence of p, capped at MaxDelay. Jitter
// is applied separately so it can use p.Rand.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// Backoff returns the delay before retry number n (0-based) without jitter.
func (p Policy) Backoff(n int) time.Duration {
	p = p.normalize()
	b := p.schedule()
	d := b.NextBackOff()
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// jitter applies ±25% to d.
func (p Policy) jitter(d time.Duration) time.Duration {
	factor := 0.75 + p.Rand()*0.5
	return time.Duration(float64(d) * factor)
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = contextSleep
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
