package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Server is the HTTP front of the gateway: it decodes incoming work
// requests, hands them to the Orchestrator, and maps the orchestrator's
// terminal errors onto HTTP statuses.
type Server struct {
	orch        *Orchestrator
	usage       ledger.Ledger
	health      *HealthChecker
	metrics     *metrics.Registry
	corsOrigins []string
	log         *slog.Logger
}

// NewServer creates a Server around orch. Health checker, metrics, usage
// ledger, and CORS origins are optional and injected via the Set* methods.
func NewServer(orch *Orchestrator, log *slog.Logger) *Server {
	if orch == nil {
		panic("server: orchestrator must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{orch: orch, log: log}
}

// SetHealth attaches a health checker for /health and /readiness.
func (s *Server) SetHealth(hc *HealthChecker) { s.health = hc }

// SetMetrics attaches a metrics registry for HTTP instrumentation.
func (s *Server) SetMetrics(m *metrics.Registry) { s.metrics = m }

// SetUsageLedger attaches the ledger queried by GET /v1/usage.
func (s *Server) SetUsageLedger(l ledger.Ledger) { s.usage = l }

// SetCORSOrigins sets the allowed CORS origins. Empty means "*".
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for mgmt to start without management routes.
func (s *Server) Start(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/route", s.handleRoute)
	r.GET("/v1/usage", s.handleUsage)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		instrument(s.metrics),
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// routeRequest is the JSON body of POST /v1/route.
type routeRequest struct {
	TaskType       string `json:"task_type"`
	ComplexityHint string `json:"complexity_hint"`
	Priority       string `json:"priority"`
	BudgetTier     string `json:"budget_tier"`
	Prompt         string `json:"prompt"`
	MediaRef       string `json:"media_ref"`
	MaxOutputUnits int    `json:"max_output_units"`
	CallerID       string `json:"caller_id"`
	MaxLatencyMs   int64  `json:"max_latency_ms"`
}

func (s *Server) handleRoute(ctx *fasthttp.RequestCtx) {
	var body routeRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	req := &providers.Request{
		TaskType:       providers.TaskType(body.TaskType),
		ComplexityHint: providers.ComplexityTier(body.ComplexityHint),
		Priority:       providers.Priority(body.Priority),
		BudgetTier:     providers.BudgetTier(body.BudgetTier),
		Prompt:         body.Prompt,
		MediaRef:       body.MediaRef,
		MaxOutputUnits: body.MaxOutputUnits,
		CallerID:       body.CallerID,
		MaxLatency:     time.Duration(body.MaxLatencyMs) * time.Millisecond,
		RequestID:      reqID,
	}

	// fasthttp.RequestCtx implements context.Context; client disconnects
	// cancel it, which is what lets the orchestrator detect abandonment.
	res, err := s.orch.Handle(ctx, req)
	if err != nil {
		s.writeRouteError(ctx, err)
		return
	}

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}
	writeJSON(ctx, res)
}

// writeRouteError maps the orchestrator's terminal error taxonomy to HTTP.
//
//	empty payload        → 400
//	no capable provider  → 422
//	rate limited         → 429 + Retry-After
//	all attempts failed  → 502
//	deadline exceeded    → 504
func (s *Server) writeRouteError(ctx *fasthttp.RequestCtx, err error) {
	var (
		rlErr  *RateLimitedError
		allErr *AllCandidatesFailedError
		dlErr  *DeadlineExceededError
	)
	switch {
	case errors.Is(err, ErrEmptyPayload):
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeEmptyPayload)
	case errors.Is(err, ErrNoCapableProvider):
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeNoCapableProvider)
	case errors.As(err, &rlErr):
		apierr.WriteRateLimit(ctx, rlErr.RetryAfter)
	case errors.As(err, &allErr):
		apierr.WriteAllFailed(ctx, allErr.Error())
	case errors.As(err, &dlErr):
		apierr.WriteTimeout(ctx, dlErr.Error())
	default:
		s.log.ErrorContext(ctx, "route_unmapped_error", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// handleUsage answers GET /v1/usage?caller_id=X&from=RFC3339&to=RFC3339
// with the caller's summed cost over [from, to). Omitted bounds default to
// the last 24 hours ending now.
func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	if s.usage == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"usage ledger not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	callerID := string(ctx.QueryArgs().Peek("caller_id"))
	if callerID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"caller_id query parameter is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	if raw := string(ctx.QueryArgs().Peek("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"from must be RFC 3339", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		from = t
	}
	if raw := string(ctx.QueryArgs().Peek("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"to must be RFC 3339", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		to = t
	}

	total, err := s.usage.SumCost(ctx, callerID, from, to)
	if err != nil {
		s.log.ErrorContext(ctx, "usage_query_error",
			slog.String("caller_id", callerID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"usage query failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]any{
		"caller_id":  callerID,
		"from":       from.Format(time.RFC3339),
		"to":         to.Format(time.RFC3339),
		"total_cost": total,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
