package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// stubProvider is a scriptable in-memory provider backend.
type stubProvider struct {
	name  string
	res   *providers.Result
	err   error
	delay time.Duration

	calls int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, _ *providers.Call) (*providers.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	res := *s.res
	if res.Model == "" {
		res.Model = s.name + "-model"
	}
	return &res, nil
}

func (s *stubProvider) HealthCheck(context.Context) error { return s.err }

func (s *stubProvider) callCount() int32 { return atomic.LoadInt32(&s.calls) }

func okResult() *providers.Result {
	return &providers.Result{
		Content:      "generated content",
		Usage:        providers.Usage{InputUnits: 100, OutputUnits: 50},
		FinishReason: "stop",
	}
}

func serverErr(provider string) error {
	return &providers.CallError{Provider: provider, StatusCode: 500, Message: "upstream exploded"}
}

// testEnv bundles an orchestrator with its scriptable dependencies.
type testEnv struct {
	orch    *Orchestrator
	stubs   map[string]*stubProvider
	costs   *ledger.MemoryLedger
	breaker *CircuitBreaker
}

// newTestEnv builds a four-provider orchestrator with in-memory cache,
// limiter, and ledger. Per-unit costs are set so success records carry a
// non-zero cost.
func newTestEnv(t *testing.T, budgets map[string]ratelimit.Budget) *testEnv {
	t.Helper()

	policy := testPolicy()
	for _, p := range policy.Profiles {
		p.CostPerInputUnit = 0.0001
		p.CostPerOutputUnit = 0.0002
	}

	sel, err := NewSelector(policy)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	stubs := map[string]*stubProvider{
		"openai":    {name: "openai", res: okResult()},
		"anthropic": {name: "anthropic", res: okResult()},
		"gemini":    {name: "gemini", res: okResult()},
		"mistral":   {name: "mistral", res: okResult()},
	}
	registry := make(map[string]providers.Provider, len(stubs))
	for id, s := range stubs {
		registry[id] = s
	}

	breaker := NewCircuitBreaker([]string{"openai", "anthropic", "gemini", "mistral"})
	costs := ledger.NewMemoryLedger()

	ctx := context.Background()
	orch := NewOrchestrator(ctx, NewClassifier(nil), sel, breaker, registry, nil)
	orch.SetCache(cache.NewMemoryCache(ctx), cache.DefaultPolicy())
	orch.SetLedger(costs)
	if budgets != nil {
		orch.SetLimiter(ratelimit.NewMemoryLimiter(budgets))
	}

	return &testEnv{orch: orch, stubs: stubs, costs: costs, breaker: breaker}
}

func TestOrchestrator_EmptyPayloadRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.orch.Handle(context.Background(), &providers.Request{CallerID: "acct-1"})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("err = %v, want ErrEmptyPayload", err)
	}
}

// TestOrchestrator_VisionWithOpenCircuitFails covers the interaction of sole
// capability routing with circuit state: one vision-capable provider whose
// breaker is open means the request has nowhere to go.
func TestOrchestrator_VisionWithOpenCircuitFails(t *testing.T) {
	env := newTestEnv(t, nil)

	// Trip gemini's breaker.
	for i := 0; i < providers.CBFailureThreshold; i++ {
		env.breaker.RecordFailure("gemini")
	}

	_, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:   "what is in this image",
		MediaRef: "s3://bucket/cat.png",
		CallerID: "acct-1",
	})

	var exhausted *AllCandidatesFailedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AllCandidatesFailedError", err)
	}
	if got := env.stubs["gemini"].callCount(); got != 0 {
		t.Errorf("gemini calls = %d, want 0 (circuit open)", got)
	}
}

// TestOrchestrator_SimplePremiumServedByFast covers routing a simple request
// to the fast provider and the resulting billed usage record.
func TestOrchestrator_SimplePremiumServedByFast(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:         "capital of France?",
		ComplexityHint: providers.TierSimple,
		BudgetTier:     providers.BudgetPremium,
		CallerID:       "acct-1",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if resp.ProviderID != "gemini" {
		t.Errorf("ProviderID = %s, want gemini (fast provider)", resp.ProviderID)
	}
	if resp.Cached {
		t.Error("first request must not be served from cache")
	}
	if resp.Cost <= 0 {
		t.Errorf("Cost = %v, want > 0", resp.Cost)
	}

	recs := env.costs.Records()
	if len(recs) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != ledger.OutcomeSuccess || recs[0].Cost <= 0 {
		t.Errorf("record = %+v, want success with cost > 0", recs[0])
	}
}

// TestOrchestrator_SecondIdenticalRequestCached covers the cache round trip:
// an identical request inside the category TTL is served without another
// provider call and with a zero-cost usage record.
func TestOrchestrator_SecondIdenticalRequestCached(t *testing.T) {
	env := newTestEnv(t, nil)

	req := func() *providers.Request {
		return &providers.Request{
			Prompt:   "Write a story about a lighthouse keeper",
			CallerID: "acct-1",
		}
	}

	first, err := env.orch.Handle(context.Background(), req())
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if first.Cached {
		t.Fatal("first response must not be cached")
	}
	callsAfterFirst := env.stubs[first.ProviderID].callCount()

	second, err := env.orch.Handle(context.Background(), req())
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !second.Cached {
		t.Fatal("second response should be served from cache")
	}
	if second.ProviderID != first.ProviderID {
		t.Errorf("cached ProviderID = %s, want %s", second.ProviderID, first.ProviderID)
	}
	if second.Model != first.Model {
		t.Errorf("cached Model = %s, want %s (original model must be reported)", second.Model, first.Model)
	}
	if got := env.stubs[first.ProviderID].callCount(); got != callsAfterFirst {
		t.Errorf("provider calls = %d, want %d (no call on cache hit)", got, callsAfterFirst)
	}

	recs := env.costs.Records()
	if len(recs) != 2 {
		t.Fatalf("ledger records = %d, want 2", len(recs))
	}
	if recs[1].Outcome != ledger.OutcomeCached || recs[1].Cost != 0 {
		t.Errorf("cached record = %+v, want outcome=cached cost=0", recs[1])
	}
}

// TestOrchestrator_OpenPrimarySkippedOnFourthRequest covers the breaker
// tripping after the failure threshold: once open, the primary is skipped
// entirely and the first fallback serves the request.
func TestOrchestrator_OpenPrimarySkippedOnFourthRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stubs["openai"].err = serverErr("openai")

	prompts := []string{
		"draft release notes for v1",
		"draft release notes for v2",
		"draft release notes for v3",
		"draft release notes for v4",
	}

	// Three requests fail over from openai; each failure feeds the breaker.
	for i := 0; i < 3; i++ {
		resp, err := env.orch.Handle(context.Background(), &providers.Request{
			Prompt:         prompts[i],
			ComplexityHint: providers.TierStandard,
			CallerID:       "acct-1",
		})
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if resp.ProviderID != "anthropic" {
			t.Fatalf("request %d served by %s, want anthropic fallback", i+1, resp.ProviderID)
		}
	}
	if got := env.stubs["openai"].callCount(); got != 3 {
		t.Fatalf("openai calls = %d, want 3", got)
	}
	if env.breaker.State("openai") != cbOpen {
		t.Fatal("openai breaker should be open after three failures")
	}

	// Fourth request: openai must be skipped without a dispatch.
	resp, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:         prompts[3],
		ComplexityHint: providers.TierStandard,
		CallerID:       "acct-1",
	})
	if err != nil {
		t.Fatalf("fourth request: %v", err)
	}
	if resp.ProviderID != "anthropic" {
		t.Errorf("fourth request served by %s, want anthropic", resp.ProviderID)
	}
	if got := env.stubs["openai"].callCount(); got != 3 {
		t.Errorf("openai calls = %d, want still 3 (skipped while open)", got)
	}
}

func TestOrchestrator_NonRetryableErrorStillFailsOver(t *testing.T) {
	// 4xx from a provider consumes the candidate but the next one still gets
	// a chance: a different backend may well accept the same prompt.
	env := newTestEnv(t, nil)
	env.stubs["openai"].err = &providers.CallError{Provider: "openai", StatusCode: 400, Message: "bad request"}

	resp, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:         "draft release notes",
		ComplexityHint: providers.TierStandard,
		CallerID:       "acct-1",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.ProviderID != "anthropic" {
		t.Errorf("served by %s, want anthropic", resp.ProviderID)
	}
}

func TestOrchestrator_AllCandidatesFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, s := range env.stubs {
		s.err = serverErr(s.name)
	}

	_, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:   "draft release notes",
		CallerID: "acct-1",
	})

	var exhausted *AllCandidatesFailedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AllCandidatesFailedError", err)
	}
	if len(exhausted.Attempted) != 4 {
		t.Errorf("attempted = %v, want all four candidates", exhausted.Attempted)
	}

	// Terminal failure still leaves a zero-cost record for observability.
	recs := env.costs.Records()
	if len(recs) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != ledger.OutcomeFailure || recs[0].Cost != 0 {
		t.Errorf("record = %+v, want outcome=failure cost=0", recs[0])
	}
}

// TestOrchestrator_RateLimitedWhenDeadlineProhibitsWaiting exhausts every
// candidate's request budget; with a deadline far shorter than the window
// reset the request must fail fast with RateLimitedError.
func TestOrchestrator_RateLimitedWhenDeadlineProhibitsWaiting(t *testing.T) {
	budgets := map[string]ratelimit.Budget{
		"openai":    {RequestsPerMinute: 1},
		"anthropic": {RequestsPerMinute: 1},
		"gemini":    {RequestsPerMinute: 1},
		"mistral":   {RequestsPerMinute: 1},
	}
	env := newTestEnv(t, budgets)

	// Use up every provider's single slot with distinct prompts so the
	// cache never short-circuits.
	for i, prompt := range []string{"one", "two two", "three three three", "four four four four"} {
		if _, err := env.orch.Handle(context.Background(), &providers.Request{
			Prompt:   prompt,
			CallerID: "acct-1",
		}); err != nil {
			t.Fatalf("warmup %d: %v", i+1, err)
		}
	}

	_, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:     "five five five five five",
		CallerID:   "acct-1",
		MaxLatency: 50 * time.Millisecond,
	})

	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", limited.RetryAfter)
	}
}

// TestOrchestrator_RateLimitDenialDoesNotConsumeBudget pins the admission
// idempotence property at the orchestrator level: a denied attempt must not
// eat into any provider's budget.
func TestOrchestrator_RateLimitDenialDoesNotConsumeBudget(t *testing.T) {
	budgets := map[string]ratelimit.Budget{
		"openai": {RequestsPerMinute: 1},
	}
	env := newTestEnv(t, budgets)

	// First request consumes openai's only slot.
	first, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:         "draft release notes for v1",
		ComplexityHint: providers.TierStandard,
		CallerID:       "acct-1",
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.ProviderID != "openai" {
		t.Fatalf("first served by %s, want openai", first.ProviderID)
	}

	// Second request: openai denied, anthropic (unlimited) takes it.
	second, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:         "draft release notes for v2",
		ComplexityHint: providers.TierStandard,
		CallerID:       "acct-1",
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ProviderID != "anthropic" {
		t.Errorf("second served by %s, want anthropic", second.ProviderID)
	}
}

func TestOrchestrator_DeadlineExceededMidDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, s := range env.stubs {
		s.delay = 200 * time.Millisecond
	}

	_, err := env.orch.Handle(context.Background(), &providers.Request{
		Prompt:     "draft release notes",
		CallerID:   "acct-1",
		MaxLatency: 30 * time.Millisecond,
	})

	var deadline *DeadlineExceededError
	if !errors.As(err, &deadline) {
		t.Fatalf("err = %v, want DeadlineExceededError", err)
	}
}

// TestOrchestrator_LateSuccessPopulatesCache verifies that a provider call
// abandoned on the caller's deadline still completes on the base context and
// benefits the next identical request.
func TestOrchestrator_LateSuccessPopulatesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stubs["openai"].delay = 80 * time.Millisecond

	req := func(maxLatency time.Duration) *providers.Request {
		return &providers.Request{
			Prompt:         "Write a story about a lighthouse keeper",
			ComplexityHint: providers.TierStandard,
			CallerID:       "acct-1",
			MaxLatency:     maxLatency,
		}
	}

	_, err := env.orch.Handle(context.Background(), req(20*time.Millisecond))
	var deadline *DeadlineExceededError
	if !errors.As(err, &deadline) {
		t.Fatalf("err = %v, want DeadlineExceededError", err)
	}

	// Give the abandoned call time to finish and write the cache.
	time.Sleep(200 * time.Millisecond)

	resp, err := env.orch.Handle(context.Background(), req(0))
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !resp.Cached {
		t.Error("second request should hit the cache populated by the late success")
	}
}

func TestOrchestrator_NoCapableProviderSurfaces(t *testing.T) {
	policy := testPolicy()
	policy.Profiles["gemini"].Capabilities = []providers.TaskType{providers.TaskGeneration}
	sel, err := NewSelector(policy)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	orch := NewOrchestrator(context.Background(), NewClassifier(nil), sel, nil, nil, nil)

	_, err = orch.Handle(context.Background(), &providers.Request{
		Prompt:   "what is in this image",
		MediaRef: "s3://bucket/cat.png",
		CallerID: "acct-1",
	})
	if !errors.Is(err, ErrNoCapableProvider) {
		t.Fatalf("err = %v, want ErrNoCapableProvider", err)
	}
}

// TestOrchestrator_ProviderTimeoutFailsOver verifies that a timeout inside a
// provider client counts as a provider failure: the breaker learns about it
// and the dispatch advances to the next candidate instead of surfacing the
// caller-deadline error.
func TestOrchestrator_ProviderTimeoutFailsOver(t *testing.T) {
	env := newTestEnv(t, nil)
	env.stubs["openai"].err = fmt.Errorf("openai: generate: %w", context.DeadlineExceeded)

	prompts := []string{
		"summarize the quarterly report",
		"summarize the annual report",
		"summarize the board minutes",
	}
	for _, prompt := range prompts {
		resp, err := env.orch.Handle(context.Background(), &providers.Request{
			Prompt:         prompt,
			ComplexityHint: providers.TierStandard,
			CallerID:       "acct-1",
		})
		if err != nil {
			t.Fatalf("Handle(%q): %v", prompt, err)
		}
		if resp.ProviderID != "anthropic" {
			t.Fatalf("ProviderID = %q, want fallback anthropic", resp.ProviderID)
		}
	}

	// Each timed-out attempt counted against openai's breaker.
	if got := env.breaker.StateLabel("openai"); got != "open" {
		t.Errorf("openai breaker state = %q, want open after %d timeouts", got, len(prompts))
	}
}

// TestOrchestrator_AbandonedHalfOpenProbeResolvesBreaker verifies that a
// half-open probe abandoned on the caller's deadline still reports its
// outcome: a late success closes the breaker instead of leaving the probe
// permanently in flight.
func TestOrchestrator_AbandonedHalfOpenProbeResolvesBreaker(t *testing.T) {
	policy := testPolicy()
	sel, err := NewSelector(policy)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	stub := &stubProvider{name: "gemini", res: okResult(), delay: 60 * time.Millisecond}
	registry := map[string]providers.Provider{"gemini": stub}

	breaker := NewCircuitBreakerWithConfig([]string{"gemini"}, CBConfig{
		Cooldown: 20 * time.Millisecond,
	})

	ctx := context.Background()
	orch := NewOrchestrator(ctx, NewClassifier(nil), sel, breaker, registry, nil)
	orch.SetCache(cache.NewMemoryCache(ctx), cache.DefaultPolicy())

	for i := 0; i < providers.CBFailureThreshold; i++ {
		breaker.RecordFailure("gemini")
	}
	time.Sleep(30 * time.Millisecond) // age past the cooldown

	// The probe is admitted but abandoned before the provider answers.
	_, err = orch.Handle(ctx, &providers.Request{
		Prompt:     "what is in this image",
		MediaRef:   "s3://bucket/cat.png",
		CallerID:   "acct-1",
		MaxLatency: 15 * time.Millisecond,
	})
	var deadline *DeadlineExceededError
	if !errors.As(err, &deadline) {
		t.Fatalf("err = %v, want DeadlineExceededError", err)
	}

	// The abandoned call completes on the base context and closes the
	// breaker; the provider must be dispatchable again.
	time.Sleep(150 * time.Millisecond)
	if got := breaker.StateLabel("gemini"); got != "closed" {
		t.Fatalf("breaker state = %q, want closed after late probe success", got)
	}

	resp, err := orch.Handle(ctx, &providers.Request{
		Prompt:   "what is in this other image",
		MediaRef: "s3://bucket/dog.png",
		CallerID: "acct-1",
	})
	if err != nil {
		t.Fatalf("Handle after recovery: %v", err)
	}
	if resp.ProviderID != "gemini" {
		t.Errorf("ProviderID = %q, want gemini", resp.ProviderID)
	}
}

// TestOrchestrator_AbandonedProbeFailureReopensBreaker covers the other
// resolution: the abandoned probe ultimately errors, so the breaker reopens
// rather than staying half-open with a phantom probe in flight.
func TestOrchestrator_AbandonedProbeFailureReopensBreaker(t *testing.T) {
	policy := testPolicy()
	sel, err := NewSelector(policy)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	stub := &stubProvider{name: "gemini", err: serverErr("gemini"), delay: 60 * time.Millisecond}
	registry := map[string]providers.Provider{"gemini": stub}

	breaker := NewCircuitBreakerWithConfig([]string{"gemini"}, CBConfig{
		Cooldown: 20 * time.Millisecond,
	})

	ctx := context.Background()
	orch := NewOrchestrator(ctx, NewClassifier(nil), sel, breaker, registry, nil)

	for i := 0; i < providers.CBFailureThreshold; i++ {
		breaker.RecordFailure("gemini")
	}
	time.Sleep(30 * time.Millisecond)

	_, err = orch.Handle(ctx, &providers.Request{
		Prompt:     "what is in this image",
		MediaRef:   "s3://bucket/cat.png",
		CallerID:   "acct-1",
		MaxLatency: 15 * time.Millisecond,
	})
	var deadline *DeadlineExceededError
	if !errors.As(err, &deadline) {
		t.Fatalf("err = %v, want DeadlineExceededError", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := breaker.StateLabel("gemini"); got != "open" {
		t.Errorf("breaker state = %q, want open after late probe failure", got)
	}
}
