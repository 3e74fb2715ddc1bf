// Package retry wraps cenkalti/backoff/v4 with the exponential-backoff
// policy spec.md §7 prescribes for transient-kind failures: upstream
// fetches and DLQ requeue scheduling.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quantlayer/position-loader/internal/errors"
)

// Policy bounds an exponential backoff sequence.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NewExponentialBackOff builds a backoff.BackOff from the policy, bounded
// to MaxAttempts tries.
func (p Policy) NewExponentialBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not wall-clock
	return backoff.WithMaxRetries(eb, uint64(maxOf(p.MaxAttempts-1, 0)))
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Do runs op under the policy's backoff schedule, retrying only when the
// returned error is retryable per errors.IsRetryable. A non-retryable error
// stops immediately without consuming remaining attempts.
func Do(ctx context.Context, p Policy, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(p.NewExponentialBackOff(), ctx))
}

// NextRetryAt computes the DLQ nextRetryAt timestamp for the given
// 0-indexed retry attempt, per spec.md §4.4's "exponential-backoff
// nextRetryAt".
func NextRetryAt(p Policy, attempt int, now time.Time) time.Time {
	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	return now.Add(delay)
}
