// Package retry runs bounded exponential retry loops on top of cenkalti/backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one call site's retries. Retryable decides which errors are worth
// another attempt, a nil Retryable retries everything.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Retryable   func(err error) bool
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Initial <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		exp := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(p.Initial),
			backoff.WithMaxInterval(p.Max),
			backoff.WithMaxElapsedTime(0),
		)
		b = exp
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts run out
// or ctx is done. attempt starts at 1. Non-retryable errors are returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempt := 0
	stopped := false
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			stopped = true
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			stopped = true
			return backoff.Permanent(err)
		}
		return err
	}, p.backoff(ctx))
	if err == nil {
		return nil
	}
	if stopped || ctx.Err() != nil {
		return err
	}
	return &ExhaustedError{Attempts: attempt, Err: err}
}
