package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	return NewServer(env.orch, nil), env
}

func postRoute(srv *Server, body string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod("POST")
	req.SetRequestURI("/v1/route")
	req.SetBodyString(body)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	srv.handleRoute(ctx)
	return ctx
}

// --- handleRoute ------------------------------------------------------------

func TestHandleRoute_Success(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx := postRoute(srv, `{"prompt":"summarize the quarterly report","complexity_hint":"standard","caller_id":"acct-1"}`)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := string(ctx.Response.Header.Peek("X-Cache")); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}

	var res Response
	if err := json.Unmarshal(ctx.Response.Body(), &res); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if res.ProviderID != "openai" {
		t.Errorf("provider_id = %s, want openai", res.ProviderID)
	}
	if res.Content == "" {
		t.Error("content should not be empty")
	}
}

func TestHandleRoute_CacheHitSecondCall(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"prompt":"summarize the quarterly report","complexity_hint":"standard","caller_id":"acct-1"}`

	postRoute(srv, body)
	ctx := postRoute(srv, body)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("X-Cache")); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}

	var res Response
	if err := json.Unmarshal(ctx.Response.Body(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Error("cached should be true on the second identical request")
	}
}

func TestHandleRoute_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx := postRoute(srv, `{"prompt":`)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleRoute_EmptyPayload(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx := postRoute(srv, `{"caller_id":"acct-1"}`)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "empty_payload") {
		t.Errorf("expected empty_payload code, got: %s", ctx.Response.Body())
	}
}

func TestHandleRoute_AllFailedReturns502(t *testing.T) {
	srv, env := newTestServer(t)
	for _, s := range env.stubs {
		s.res = nil
		s.err = serverErr(s.name)
	}

	ctx := postRoute(srv, `{"prompt":"summarize the quarterly report","complexity_hint":"standard","caller_id":"acct-1"}`)

	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if !strings.Contains(string(ctx.Response.Body()), "all_candidates_failed") {
		t.Errorf("expected all_candidates_failed code, got: %s", ctx.Response.Body())
	}
}

func TestHandleRoute_RateLimitedReturns429(t *testing.T) {
	env := newTestEnv(t, nil)
	env.orch.SetLimiter(ratelimit.NewMemoryLimiter(map[string]ratelimit.Budget{
		"openai":    {RequestsPerMinute: 1},
		"anthropic": {RequestsPerMinute: 1},
		"gemini":    {RequestsPerMinute: 1},
		"mistral":   {RequestsPerMinute: 1},
	}))
	srv := NewServer(env.orch, nil)

	// Distinct prompts avoid the cache; exhaust every provider's budget.
	prompts := []string{"aaaa", "bbbb", "cccc", "dddd"}
	for _, p := range prompts {
		ctx := postRoute(srv, `{"prompt":"explain the difference between `+p+` and its dual","complexity_hint":"standard","caller_id":"acct-1"}`)
		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("warmup for %q: expected 200, got %d", p, ctx.Response.StatusCode())
		}
	}

	ctx := postRoute(srv, `{"prompt":"explain the difference between eeee and its dual","complexity_hint":"standard","caller_id":"acct-1","max_latency_ms":50}`)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if string(ctx.Response.Header.Peek("Retry-After")) == "" {
		t.Error("Retry-After header should be set")
	}
}

func TestHandleRoute_NoCapableProviderReturns422(t *testing.T) {
	env := newTestEnv(t, nil)
	policy := testPolicy()
	policy.Profiles["gemini"].Capabilities = []providers.TaskType{providers.TaskGeneration}
	if err := env.orch.selector.UpdatePolicy(policy); err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}
	srv := NewServer(env.orch, nil)

	ctx := postRoute(srv, `{"task_type":"vision","prompt":"describe","media_ref":"s3://bucket/cat.png","caller_id":"acct-1"}`)

	if ctx.Response.StatusCode() != fasthttp.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

// --- handleUsage ------------------------------------------------------------

func TestHandleUsage_NoLedger(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/usage?caller_id=acct-1")
	srv.handleUsage(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleUsage_MissingCallerID(t *testing.T) {
	srv, env := newTestServer(t)
	srv.SetUsageLedger(env.costs)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/usage")
	srv.handleUsage(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleUsage_SumsCallerCost(t *testing.T) {
	srv, env := newTestServer(t)
	srv.SetUsageLedger(env.costs)

	now := time.Now().UTC()
	env.costs.Record(context.Background(), ledger.UsageRecord{
		CallerID: "acct-1", ProviderID: "openai", Cost: 0.25, Outcome: ledger.OutcomeSuccess, Timestamp: now,
	})
	env.costs.Record(context.Background(), ledger.UsageRecord{
		CallerID: "acct-2", ProviderID: "openai", Cost: 9.99, Outcome: ledger.OutcomeSuccess, Timestamp: now,
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/usage?caller_id=acct-1")
	srv.handleUsage(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var res struct {
		CallerID  string  `json:"caller_id"`
		TotalCost float64 `json:"total_cost"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &res); err != nil {
		t.Fatal(err)
	}
	if res.CallerID != "acct-1" {
		t.Errorf("caller_id = %s, want acct-1", res.CallerID)
	}
	if res.TotalCost != 0.25 {
		t.Errorf("total_cost = %v, want 0.25", res.TotalCost)
	}
}

func TestHandleUsage_BadTimeBound(t *testing.T) {
	srv, env := newTestServer(t)
	srv.SetUsageLedger(env.costs)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/usage?caller_id=acct-1&from=yesterday")
	srv.handleUsage(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

// --- handleHealth / handleReadiness ----------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx := &fasthttp.RequestCtx{}
	srv.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealth_WithChecker(t *testing.T) {
	srv, env := newTestServer(t)
	registry := make(map[string]providers.Provider, len(env.stubs))
	for id, s := range env.stubs {
		registry[id] = s
	}
	hc := NewHealthChecker(context.Background(), registry, nil, nil, nil)
	defer hc.Close()
	srv.SetHealth(hc)

	ctx := &fasthttp.RequestCtx{}
	srv.handleHealth(ctx)

	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("failed to parse health snapshot: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if _, ok := snap.Providers["openai"]; !ok {
		t.Error("expected openai in providers map")
	}
}

func TestHandleReadiness_LedgerDown(t *testing.T) {
	srv, _ := newTestServer(t)
	hc := NewHealthChecker(context.Background(), nil, nil, func() bool { return false }, nil)
	defer hc.Close()
	srv.SetHealth(hc)

	ctx := &fasthttp.RequestCtx{}
	srv.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_Healthy(t *testing.T) {
	srv, _ := newTestServer(t)
	hc := NewHealthChecker(context.Background(), nil, nil, func() bool { return true }, nil)
	defer hc.Close()
	srv.SetHealth(hc)

	ctx := &fasthttp.RequestCtx{}
	srv.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}
	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
