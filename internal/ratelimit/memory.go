package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is one provider's fixed one-minute accounting window.
type window struct {
	start    time.Time
	requests int
	units    int64
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter is an in-process limiter using fixed one-minute windows per
// provider. Suitable for single-instance deployments; multi-replica
// deployments should use RedisLimiter so all instances share counters.
type MemoryLimiter struct {
	mu      sync.Mutex
	budgets map[string]Budget
	windows map[string]*window

	now func() time.Time // injectable clock for tests
}

// NewMemoryLimiter creates a MemoryLimiter with the given per-provider
// budgets. Providers absent from budgets are unlimited.
func NewMemoryLimiter(budgets map[string]Budget) *MemoryLimiter {
	b := make(map[string]Budget, len(budgets))
	for id, budget := range budgets {
		b[id] = budget
	}
	return &MemoryLimiter{
		budgets: b,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// TryAdmit checks headroom in the provider's current window without
// consuming budget.
func (l *MemoryLimiter) TryAdmit(_ context.Context, providerID string) Decision {
	budget, ok := l.budgets[providerID]
	if !ok || budget.Unlimited() {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.currentWindow(providerID, now)

	if budget.RequestsPerMinute > 0 && w.requests >= budget.RequestsPerMinute {
		return Decision{RetryAfter: l.retryAfter(w, now)}
	}
	if budget.UnitsPerMinute > 0 && w.units >= budget.UnitsPerMinute {
		return Decision{RetryAfter: l.retryAfter(w, now)}
	}

	return Decision{Allowed: true}
}

// Commit records one dispatched request plus units.
func (l *MemoryLimiter) Commit(_ context.Context, providerID string, units int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.currentWindow(providerID, l.now())
	w.requests++
	w.units += units
}

// CommitUnits adds late-reported units to the current window.
func (l *MemoryLimiter) CommitUnits(_ context.Context, providerID string, units int64) {
	if units <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.currentWindow(providerID, l.now())
	w.units += units
}

// currentWindow returns the provider's window, rolling it over when the
// minute has elapsed. Caller must hold mu.
func (l *MemoryLimiter) currentWindow(providerID string, now time.Time) *window {
	w, ok := l.windows[providerID]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &window{start: now}
		l.windows[providerID] = w
	}
	return w
}

func (l *MemoryLimiter) retryAfter(w *window, now time.Time) time.Duration {
	d := w.start.Add(time.Minute).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
