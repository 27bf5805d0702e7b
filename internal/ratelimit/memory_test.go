package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fixedClock returns a clock function plus a way to advance it.
func fixedClock(start time.Time) (func() time.Time, func(d time.Duration)) {
	now := start
	return func() time.Time { return now },
		func(d time.Duration) { now = now.Add(d) }
}

func TestMemoryLimiter_TryAdmitDoesNotConsume(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"openai": {RequestsPerMinute: 2},
	})
	ctx := context.Background()

	// Repeated admission checks without Commit must never exhaust the budget.
	for i := 0; i < 50; i++ {
		if d := l.TryAdmit(ctx, "openai"); !d.Allowed {
			t.Fatalf("check %d denied; TryAdmit must not consume budget", i)
		}
	}
}

func TestMemoryLimiter_CommitConsumesRequests(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"openai": {RequestsPerMinute: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.TryAdmit(ctx, "openai"); !d.Allowed {
			t.Fatalf("expected admission at dispatch %d", i)
		}
		l.Commit(ctx, "openai", 0)
	}

	d := l.TryAdmit(ctx, "openai")
	if d.Allowed {
		t.Fatal("expected denial after request budget consumed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestMemoryLimiter_UnitBudget(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"gemini": {UnitsPerMinute: 1000},
	})
	ctx := context.Background()

	if d := l.TryAdmit(ctx, "gemini"); !d.Allowed {
		t.Fatal("expected admission with empty window")
	}
	l.Commit(ctx, "gemini", 400)
	l.CommitUnits(ctx, "gemini", 600)

	if d := l.TryAdmit(ctx, "gemini"); d.Allowed {
		t.Fatal("expected denial after unit budget consumed")
	}
}

func TestMemoryLimiter_WindowRollover(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"openai": {RequestsPerMinute: 1},
	})
	now, advance := fixedClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l.now = now
	ctx := context.Background()

	l.Commit(ctx, "openai", 0)
	if d := l.TryAdmit(ctx, "openai"); d.Allowed {
		t.Fatal("expected denial inside the window")
	}

	advance(61 * time.Second)

	if d := l.TryAdmit(ctx, "openai"); !d.Allowed {
		t.Fatal("expected admission after the window rolled over")
	}
}

func TestMemoryLimiter_UnknownProviderUnlimited(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"openai": {RequestsPerMinute: 1},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Commit(ctx, "unlisted", 1000)
		if d := l.TryAdmit(ctx, "unlisted"); !d.Allowed {
			t.Fatal("providers without a budget must be unlimited")
		}
	}
}

func TestMemoryLimiter_IndependentPerProvider(t *testing.T) {
	l := NewMemoryLimiter(map[string]Budget{
		"openai":    {RequestsPerMinute: 1},
		"anthropic": {RequestsPerMinute: 1},
	})
	ctx := context.Background()

	l.Commit(ctx, "openai", 0)

	if d := l.TryAdmit(ctx, "openai"); d.Allowed {
		t.Fatal("openai should be exhausted")
	}
	if d := l.TryAdmit(ctx, "anthropic"); !d.Allowed {
		t.Fatal("anthropic budget must be independent of openai's")
	}
}
