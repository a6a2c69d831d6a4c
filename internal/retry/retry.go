// Package retry runs an operation under a bounded exponential backoff
// policy shared by batch delivery and remote flag evaluation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts  = 6
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = 0.3
)

// Policy describes how many times to try and how long to wait in between.
// Delays start at BaseDelay and double up to MaxDelay, randomised by Jitter
// (a fraction of the delay in either direction).
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// Retryable classifies a failed attempt. Nil retries every error except
	// context cancellation.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    DefaultJitter,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryAfterer is implemented by errors that carry a server supplied wait,
// such as a 429 with a Retry-After header.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts run out, or ctx is done. Non-retryable errors are returned as is;
// exhaustion returns an *ExhaustedError wrapping the last error.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = min(max(p.Jitter, 0), 1)
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}

	var (
		tries   int
		lastErr error
		final   bool
	)
	operation := func() (T, error) {
		tries++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			final = true
			return result, backoff.Permanent(err)
		}
		var ra RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			wait := ra.RetryAfter()
			if p.MaxDelay > 0 {
				wait = min(wait, p.MaxDelay)
			}
			return result, &backoff.RetryAfterError{Duration: wait}
		}
		return result, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(_ error, wait time.Duration) {
			p.OnRetry(tries, lastErr, wait)
		}))
	}

	result, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return result, nil
	}
	if final {
		return result, lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if lastErr != nil {
			return result, fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
		}
		return result, ctxErr
	}
	return result, &ExhaustedError{Attempts: tries, Err: lastErr}
}
