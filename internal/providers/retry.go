package providers

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the single bounded transient-retry policy shared by all
// provider clients. It only covers low-level transient failures (5xx,
// network resets); provider failover across candidates is the
// orchestrator's job and never re-enters here.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	// Values < 1 behave as 1 (no retry).
	MaxAttempts int

	// BaseDelay is the delay before the first retry; each subsequent retry
	// doubles it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries once after 200ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 2,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Do invokes fn up to MaxAttempts times, backing off between attempts.
// Non-transient errors and context cancellation stop the loop immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// Transient reports whether err is worth retrying against the same provider.
//
//   - 5xx upstream errors → transient
//   - 4xx upstream errors → permanent (same request will fail again)
//   - context cancellation / deadline → permanent (the caller gave up)
//   - anything else (network resets, EOF) → transient
func Transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}
