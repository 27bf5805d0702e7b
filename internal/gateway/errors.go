package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Terminal errors returned to callers. Per-candidate failures (circuit open,
// provider error, provider rate limit) are recovered internally by advancing
// to the next candidate and never surface directly.
var (
	// ErrNoCapableProvider — no configured provider supports the task type.
	ErrNoCapableProvider = errors.New("no capable provider for task type")

	// ErrEmptyPayload — the request carried neither prompt nor media.
	ErrEmptyPayload = errors.New("request payload must not be empty")
)

// RateLimitedError is returned when every candidate is rate-limited and the
// caller's deadline prohibits waiting for the soonest slot.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("all candidates rate limited, retry after %s", e.RetryAfter)
}

// AllCandidatesFailedError is returned after the full candidate list was
// exhausted without a successful response. LastErr preserves the final
// candidate's failure for logging; it is not exposed to callers verbatim.
type AllCandidatesFailedError struct {
	Attempted []string
	LastErr   error
}

func (e *AllCandidatesFailedError) Error() string {
	return fmt.Sprintf("all %d candidates failed", len(e.Attempted))
}

func (e *AllCandidatesFailedError) Unwrap() error { return e.LastErr }

// DeadlineExceededError is returned when the caller's latency budget elapsed
// mid-dispatch.
type DeadlineExceededError struct {
	Deadline time.Duration
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("caller deadline %s exceeded", e.Deadline)
}
