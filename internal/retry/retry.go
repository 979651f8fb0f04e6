// Package retry runs fallible operations under a bounded attempt policy.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below one are treated as one.
	MaxAttempts int

	// Backoff returns the wait after the n-th failed call, n starting at 1.
	// Nil means retry immediately.
	Backoff func(attempt int) time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Retryable, when set, ends the loop on the first error it rejects.
	Retryable func(err error) bool
}

// Exponential waits factor^n seconds after the n-th failed call.
func Exponential(factor float64) func(int) time.Duration {
	return func(n int) time.Duration {
		return time.Duration(math.Pow(factor, float64(n)) * float64(time.Second))
	}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	attempt := 0
	op := func() (T, error) {
		v, err := fn(ctx, attempt)
		attempt++
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				err = backoff.Permanent(err)
			}
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&schedule{delay: p.Backoff}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt-1, err, wait)
		}))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// After asks Do to wait d before the next attempt instead of the policy's
// delay. err stays reachable through errors.Is and errors.As.
func After(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &waitError{wait: d, err: err}
}

type waitError struct {
	wait time.Duration
	err  error
}

func (e *waitError) Error() string { return e.err.Error() }
func (e *waitError) Unwrap() error { return e.err }

func (e *waitError) As(target any) bool {
	if t, ok := target.(**backoff.RetryAfterError); ok {
		*t = &backoff.RetryAfterError{Duration: e.wait}
		return true
	}
	return false
}

// schedule adapts a Policy delay function to backoff.BackOff.
type schedule struct {
	delay func(int) time.Duration
	n     int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.delay == nil {
		return 0
	}
	s.n++
	return s.delay(s.n)
}

func (s *schedule) Reset() { s.n = 0 }
