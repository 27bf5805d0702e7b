// Package ratelimit implements per-provider rate limiting with two budgets
// per provider: requests per minute and content units per minute.
//
// Admission and consumption are split. TryAdmit only checks headroom; budget
// is consumed by Commit, which the orchestrator calls when a provider call is
// actually dispatched. An admitted attempt that is abandoned before dispatch
// (circuit open, caller cancelled) therefore never counts against the budget.
package ratelimit

import (
	"context"
	"time"
)

// Budget holds the two per-provider limits. A zero limit means unlimited for
// that dimension.
type Budget struct {
	RequestsPerMinute int
	UnitsPerMinute    int64
}

// Unlimited reports whether the budget places no constraint at all.
func (b Budget) Unlimited() bool {
	return b.RequestsPerMinute <= 0 && b.UnitsPerMinute <= 0
}

// Decision is the outcome of an admission check. When Allowed is false,
// RetryAfter is the earliest duration after which the provider may have
// headroom again; callers can use it to wait or to pick another candidate.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is the per-provider admission interface.
type Limiter interface {
	// TryAdmit checks whether provider has headroom in both budgets.
	// It never consumes budget.
	TryAdmit(ctx context.Context, providerID string) Decision

	// Commit records one dispatched request and its content units against
	// the provider's budgets. Units may be zero when not yet known; call
	// CommitUnits later once the response reports usage.
	Commit(ctx context.Context, providerID string, units int64)

	// CommitUnits adds units for a request that was already committed,
	// for usage reported after the response arrives.
	CommitUnits(ctx context.Context, providerID string, units int64)
}
