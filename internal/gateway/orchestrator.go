package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// Response is what callers get back on success: the content plus which
// provider served it, whether it came from the cache, and what it cost.
type Response struct {
	Content       string                   `json:"content"`
	Model         string                   `json:"model"`
	ProviderID    string                   `json:"provider_id"`
	Cached        bool                     `json:"cached"`
	TaskType      providers.TaskType       `json:"task_type"`
	Tier          providers.ComplexityTier `json:"tier"`
	RoutingRule   string                   `json:"routing_rule"`
	RoutingReason string                   `json:"routing_reason"`
	InputUnits    int                      `json:"input_units"`
	OutputUnits   int                      `json:"output_units"`
	Cost          float64                  `json:"cost"`
	LatencyMs     int64                    `json:"latency_ms"`
	RequestID     string                   `json:"request_id"`
}

// cachedEntry is the JSON shape stored in the response cache.
type cachedEntry struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputUnits   int    `json:"input_units"`
	OutputUnits  int    `json:"output_units"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// errCircuitOpen marks a candidate skipped because its breaker rejected the
// dispatch. Internal only; folded into AllCandidatesFailedError.
var errCircuitOpen = errors.New("circuit breaker open")

// Orchestrator composes classifier, selector, circuit breaker, rate limiter,
// cache, and ledger into the per-request lifecycle:
//
//	classify → route → cache check → dispatch loop over candidates
//
// The cache, rate limiter, ledger, and metrics are optional; a nil dependency
// disables that concern without changing the control flow.
type Orchestrator struct {
	classifier *Classifier
	selector   *Selector
	breaker    *CircuitBreaker
	registry   map[string]providers.Provider

	limiter     ratelimit.Limiter
	store       cache.Cache
	cachePolicy *cache.Policy
	costs       ledger.Ledger
	metrics     *metrics.Registry

	// baseCtx outlives individual requests so an abandoned in-flight call
	// can still complete and populate the cache.
	baseCtx context.Context
	log     *slog.Logger
}

// NewOrchestrator wires the mandatory pieces. ctx is the application base
// context; provider calls are bounded by it, not by any single request.
func NewOrchestrator(ctx context.Context, classifier *Classifier, selector *Selector, breaker *CircuitBreaker, registry map[string]providers.Provider, log *slog.Logger) *Orchestrator {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		classifier: classifier,
		selector:   selector,
		breaker:    breaker,
		registry:   registry,
		baseCtx:    ctx,
		log:        log,
	}
}

// SetCache injects the response cache and its TTL policy.
func (o *Orchestrator) SetCache(store cache.Cache, policy *cache.Policy) {
	o.store = store
	o.cachePolicy = policy
}

// SetLimiter injects the per-provider rate limiter.
func (o *Orchestrator) SetLimiter(l ratelimit.Limiter) {
	o.limiter = l
}

// SetLedger injects the cost ledger.
func (o *Orchestrator) SetLedger(l ledger.Ledger) {
	o.costs = l
}

// SetMetrics injects the Prometheus registry.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) {
	o.metrics = m
}

// Handle runs one request through the full lifecycle. It returns either a
// Response or one of the terminal errors: ErrEmptyPayload,
// ErrNoCapableProvider, *RateLimitedError, *AllCandidatesFailedError,
// *DeadlineExceededError.
func (o *Orchestrator) Handle(ctx context.Context, req *providers.Request) (*Response, error) {
	start := time.Now()

	if req.Prompt == "" && req.MediaRef == "" {
		return nil, ErrEmptyPayload
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if req.MaxLatency > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.MaxLatency)
		defer cancel()
	}

	// ── Classify ─────────────────────────────────────────────────────────
	cls := o.classifier.Classify(ctx, req)
	if o.metrics != nil {
		o.metrics.RecordClassification(string(cls.TaskType), string(cls.Tier), cls.Defaulted)
	}
	if cls.Defaulted {
		o.log.InfoContext(ctx, "classification_defaulted",
			slog.String("request_id", req.RequestID),
		)
	}

	// ── Route ────────────────────────────────────────────────────────────
	dec, err := o.selector.SelectCandidates(cls, req.Priority, req.BudgetTier)
	if err != nil {
		o.recordTerminal(req, cls, "", start)
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordRoutingDecision(string(cls.TaskType), dec.Primary())
	}
	o.log.InfoContext(ctx, "routing_decision",
		slog.String("request_id", req.RequestID),
		slog.String("task", string(cls.TaskType)),
		slog.String("tier", string(cls.Tier)),
		slog.String("rule", dec.Rule),
		slog.String("primary", dec.Primary()),
		slog.Int("candidates", len(dec.Candidates)),
	)

	// ── Cache check (before rate limiting and circuit state) ─────────────
	fp, scope, rule := o.cacheParams(req, cls)
	if o.store != nil && rule.TTL > 0 {
		for _, cand := range dec.Candidates {
			data, ok := o.store.Get(ctx, cache.Key(cand, fp, scope))
			if !ok {
				continue
			}
			var entry cachedEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue // corrupt entry, treat as miss
			}
			if o.metrics != nil {
				o.metrics.CacheGetHit()
				o.metrics.ObserveGatewayRequest(cand, string(cls.TaskType), "hit", time.Since(start))
			}
			o.log.InfoContext(ctx, "cache_hit",
				slog.String("request_id", req.RequestID),
				slog.String("provider", cand),
			)
			o.recordUsage(req, cls, cand, entry.InputUnits, entry.OutputUnits, 0, start, ledger.OutcomeCached)
			return &Response{
				Content:       entry.Content,
				Model:         entry.Model,
				ProviderID:    cand,
				Cached:        true,
				TaskType:      cls.TaskType,
				Tier:          cls.Tier,
				RoutingRule:   dec.Rule,
				RoutingReason: dec.Reason,
				InputUnits:    entry.InputUnits,
				OutputUnits:   entry.OutputUnits,
				LatencyMs:     time.Since(start).Milliseconds(),
				RequestID:     req.RequestID,
			}, nil
		}
		if o.metrics != nil {
			o.metrics.CacheGetMiss()
		}
	} else if o.metrics != nil && o.store != nil {
		o.metrics.CacheGetBypass()
	}

	// ── Dispatch loop ────────────────────────────────────────────────────
	return o.dispatchLoop(ctx, req, cls, dec, fp, scope, rule, start)
}

// dispatchLoop walks the candidate list: rate-limit admission, circuit
// check, provider call. Rate-limited candidates stay eligible for a later
// pass; failed or circuit-rejected candidates are consumed. When every
// remaining candidate is rate-limited, the loop waits for the soonest slot
// unless the caller's deadline prohibits it.
func (o *Orchestrator) dispatchLoop(ctx context.Context, req *providers.Request, cls providers.Classification, dec Decision, fp, scope string, rule cache.Rule, start time.Time) (*Response, error) {
	remaining := dec.Candidates
	attempted := make([]string, 0, len(dec.Candidates))
	var lastErr error

	prevFailed := "" // previous failed candidate, for failover events
	prevReason := ""

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			o.recordTerminal(req, cls, dec.Primary(), start)
			return nil, &DeadlineExceededError{Deadline: req.MaxLatency}
		}

		var rateLimited []string
		var soonest time.Duration
		soonestSet := false

		for _, cand := range remaining {
			if err := ctx.Err(); err != nil {
				o.recordTerminal(req, cls, dec.Primary(), start)
				return nil, &DeadlineExceededError{Deadline: req.MaxLatency}
			}

			// Rate limit admission — nothing is consumed on denial.
			if o.limiter != nil {
				d := o.limiter.TryAdmit(ctx, cand)
				if !d.Allowed {
					if o.metrics != nil {
						o.metrics.RecordRateLimit(cand, "denied")
					}
					rateLimited = append(rateLimited, cand)
					if !soonestSet || d.RetryAfter < soonest {
						soonest = d.RetryAfter
						soonestSet = true
					}
					continue
				}
				if o.metrics != nil {
					o.metrics.RecordRateLimit(cand, "allowed")
				}
			}

			// Circuit check. An open breaker consumes the candidate.
			if o.breaker != nil && !o.breaker.Allow(cand) {
				o.log.WarnContext(ctx, "circuit_breaker_open",
					slog.String("request_id", req.RequestID),
					slog.String("provider", cand),
				)
				if o.metrics != nil {
					o.metrics.RecordCircuitBreakerRejection(cand, o.breaker.StateLabel(cand))
					o.metrics.SetCircuitBreaker(cand, int64(o.breaker.State(cand)))
					o.metrics.ObserveDispatchAttempt(cand, string(cls.TaskType), "circuit_reject", 0)
				}
				attempted = append(attempted, cand)
				lastErr = errCircuitOpen
				prevFailed = cand
				prevReason = "circuit_open"
				continue
			}

			// Switching to a new candidate after a failure is a failover.
			if prevFailed != "" && prevFailed != cand && o.metrics != nil {
				o.metrics.RecordFailover(dec.Primary(), prevFailed, cand, prevReason)
			}

			// Budget is consumed only for dispatched calls.
			if o.limiter != nil {
				o.limiter.Commit(ctx, cand, 0)
			}

			attempted = append(attempted, cand)
			attemptStart := time.Now()
			res, err := o.callProvider(ctx, req, cls, cand, fp, scope, rule)
			dur := time.Since(attemptStart)

			if err != nil {
				if ctx.Err() != nil {
					// Caller deadline or cancellation — skip remaining candidates.
					// A provider-side timeout lands in the failure path below
					// instead: it counts against the breaker and falls over.
					o.recordTerminal(req, cls, dec.Primary(), start)
					return nil, &DeadlineExceededError{Deadline: req.MaxLatency}
				}

				if o.breaker != nil {
					o.breaker.RecordFailure(cand)
					if o.metrics != nil {
						o.metrics.SetCircuitBreaker(cand, int64(o.breaker.State(cand)))
					}
				}
				reason := classifyError(err)
				if o.metrics != nil {
					o.metrics.ObserveDispatchAttempt(cand, string(cls.TaskType), reason, dur)
					o.metrics.RecordError(cand, reason)
				}
				o.log.WarnContext(ctx, "provider_attempt_failed",
					slog.String("request_id", req.RequestID),
					slog.String("provider", cand),
					slog.String("reason", reason),
					slog.Int64("latency_ms", dur.Milliseconds()),
					slog.String("error", err.Error()),
				)
				lastErr = err
				prevFailed = cand
				prevReason = reason
				continue
			}

			// ── Success ──────────────────────────────────────────────────
			if o.breaker != nil {
				o.breaker.RecordSuccess(cand)
				if o.metrics != nil {
					o.metrics.SetCircuitBreaker(cand, int64(o.breaker.State(cand)))
				}
			}
			if o.limiter != nil {
				o.limiter.CommitUnits(ctx, cand, int64(res.Usage.InputUnits+res.Usage.OutputUnits))
			}
			if o.metrics != nil {
				o.metrics.ObserveDispatchAttempt(cand, string(cls.TaskType), "success", dur)
				o.metrics.ObserveGatewayRequest(cand, string(cls.TaskType), "miss", time.Since(start))
				o.metrics.AddUnits(cand, string(cls.TaskType), int64(res.Usage.InputUnits), int64(res.Usage.OutputUnits), false)
			}
			if cand != dec.Primary() {
				o.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", dec.Primary()),
					slog.String("to", cand),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				if o.metrics != nil {
					o.metrics.RecordFailoverSuccess(dec.Primary(), cand)
				}
			}

			cost := o.cost(cand, res.Usage)
			if o.metrics != nil {
				o.metrics.AddCost(cand, string(cls.TaskType), cost)
			}
			o.recordUsage(req, cls, cand, res.Usage.InputUnits, res.Usage.OutputUnits, cost, start, ledger.OutcomeSuccess)

			return &Response{
				Content:       res.Content,
				Model:         res.Model,
				ProviderID:    cand,
				TaskType:      cls.TaskType,
				Tier:          cls.Tier,
				RoutingRule:   dec.Rule,
				RoutingReason: dec.Reason,
				InputUnits:    res.Usage.InputUnits,
				OutputUnits:   res.Usage.OutputUnits,
				Cost:          cost,
				LatencyMs:     time.Since(start).Milliseconds(),
				RequestID:     req.RequestID,
			}, nil
		}

		if len(rateLimited) == 0 {
			break // every candidate consumed — exhausted
		}

		// Every remaining candidate is rate-limited: wait for the soonest
		// slot, or fail now when the caller's deadline prohibits waiting.
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(soonest).After(deadline) {
			o.recordTerminal(req, cls, dec.Primary(), start)
			return nil, &RateLimitedError{RetryAfter: soonest}
		}
		o.log.InfoContext(ctx, "rate_limit_wait",
			slog.String("request_id", req.RequestID),
			slog.Duration("wait", soonest),
			slog.Int("candidates", len(rateLimited)),
		)
		timer := time.NewTimer(soonest)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.recordTerminal(req, cls, dec.Primary(), start)
			return nil, &DeadlineExceededError{Deadline: req.MaxLatency}
		case <-timer.C:
		}
		remaining = rateLimited
	}

	if o.metrics != nil {
		o.metrics.RecordFailoverExhausted(dec.Primary())
	}
	o.recordTerminal(req, cls, dec.Primary(), start)
	return nil, &AllCandidatesFailedError{Attempted: attempted, LastErr: lastErr}
}

// callProvider dispatches one call. The provider call runs against the
// application base context so a caller abandoning the request does not kill
// a nearly finished call: on caller cancellation the result, if it arrives,
// is still written to the cache for subsequent requests.
func (o *Orchestrator) callProvider(ctx context.Context, req *providers.Request, cls providers.Classification, cand, fp, scope string, rule cache.Rule) (*providers.Result, error) {
	prov, ok := o.registry[cand]
	if !ok {
		return nil, &providers.CallError{Provider: cand, StatusCode: 503, Message: "provider not configured"}
	}

	call := &providers.Call{
		Task:           cls.TaskType,
		Prompt:         req.Prompt,
		MediaRef:       req.MediaRef,
		MaxOutputUnits: req.MaxOutputUnits,
		RequestID:      req.RequestID,
	}

	timeout := providers.ProviderTimeout
	if p := o.selector.Policy().Profiles[cand]; p != nil && p.DefaultTimeout > 0 {
		timeout = p.DefaultTimeout
	}

	type outcome struct {
		res *providers.Result
		err error
	}
	callCtx, cancel := context.WithTimeout(o.baseCtx, timeout)
	ch := make(chan outcome, 1)
	go func() {
		res, err := prov.Generate(callCtx, call)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		cancel()
		if out.err == nil {
			o.cacheStore(cand, fp, scope, rule, out.res)
		}
		return out.res, out.err

	case <-ctx.Done():
		// Abandoned by the caller. Let the in-flight call finish on the
		// base context and cache a late success. The breaker must still
		// learn the outcome: this attempt may be the half-open probe, and
		// an unreported probe would leave the breaker stuck rejecting.
		go func() {
			defer cancel()
			out := <-ch
			if out.err != nil {
				if o.breaker != nil {
					o.breaker.RecordFailure(cand)
				}
				return
			}
			if o.breaker != nil {
				o.breaker.RecordSuccess(cand)
			}
			if o.limiter != nil {
				o.limiter.CommitUnits(o.baseCtx, cand, int64(out.res.Usage.InputUnits+out.res.Usage.OutputUnits))
			}
			o.cacheStore(cand, fp, scope, rule, out.res)
			cost := o.cost(cand, out.res.Usage)
			o.recordUsage(req, cls, cand, out.res.Usage.InputUnits, out.res.Usage.OutputUnits, cost, time.Now(), ledger.OutcomeSuccess)
			o.log.InfoContext(o.baseCtx, "late_success_cached",
				slog.String("request_id", req.RequestID),
				slog.String("provider", cand),
			)
		}()
		return nil, ctx.Err()
	}
}

// cacheStore writes a successful result to the cache under its category TTL.
func (o *Orchestrator) cacheStore(cand, fp, scope string, rule cache.Rule, res *providers.Result) {
	if o.store == nil || rule.TTL <= 0 {
		return
	}
	data, err := json.Marshal(cachedEntry{
		Content:      res.Content,
		Model:        res.Model,
		InputUnits:   res.Usage.InputUnits,
		OutputUnits:  res.Usage.OutputUnits,
		FinishReason: res.FinishReason,
	})
	if err != nil {
		return
	}
	if err := o.store.Set(o.baseCtx, cache.Key(cand, fp, scope), data, rule.TTL); err != nil {
		if o.metrics != nil {
			o.metrics.CacheSetError()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.CacheSetOK()
	}
}

// cacheParams resolves the fingerprint, caller scope, and TTL rule for req.
func (o *Orchestrator) cacheParams(req *providers.Request, cls providers.Classification) (fp, scope string, rule cache.Rule) {
	rule = o.cachePolicy.Rule(cls.TaskType)
	fp = cache.Fingerprint(req.Prompt, req.MediaRef)
	if rule.Scope == cache.ScopePerCaller {
		scope = req.CallerID
	}
	return fp, scope, rule
}

func (o *Orchestrator) cost(cand string, usage providers.Usage) float64 {
	p := o.selector.Policy().Profiles[cand]
	if p == nil {
		return 0
	}
	return p.Cost(usage.InputUnits, usage.OutputUnits)
}

// recordUsage appends one ledger entry for a billed or cached call.
func (o *Orchestrator) recordUsage(req *providers.Request, cls providers.Classification, cand string, in, out int, cost float64, start time.Time, outcome ledger.Outcome) {
	if o.costs == nil {
		return
	}
	o.costs.Record(o.baseCtx, ledger.UsageRecord{
		CallerID:    req.CallerID,
		ProviderID:  cand,
		TaskType:    cls.TaskType,
		InputUnits:  int64(in),
		OutputUnits: int64(out),
		Cost:        cost,
		LatencyMs:   time.Since(start).Milliseconds(),
		Outcome:     outcome,
	})
}

// recordTerminal appends a zero-cost failure entry so terminal errors stay
// visible in spend reports.
func (o *Orchestrator) recordTerminal(req *providers.Request, cls providers.Classification, cand string, start time.Time) {
	if o.costs == nil {
		return
	}
	o.costs.Record(o.baseCtx, ledger.UsageRecord{
		CallerID:   req.CallerID,
		ProviderID: cand,
		TaskType:   cls.TaskType,
		Cost:       0,
		LatencyMs:  time.Since(start).Milliseconds(),
		Outcome:    ledger.OutcomeFailure,
	})
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch {
		case sc.HTTPStatus() == 429:
			return "provider_rate_limited"
		case sc.HTTPStatus() >= 500:
			return "provider_5xx"
		default:
			return "provider_4xx"
		}
	}
	return "unknown"
}
