package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	npCache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/gateway"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when a redis-backed component is selected.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the provider map. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache, ledger, and metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = npCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.store = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")
	}

	switch a.cfg.Ledger.Mode {
	case "clickhouse":
		led, err := ledger.NewClickHouseLedger(a.baseCtx, ledger.ClickHouseConfig{
			Addrs:    []string{a.cfg.Ledger.Addr},
			Database: a.cfg.Ledger.Database,
			Username: a.cfg.Ledger.Username,
			Password: a.cfg.Ledger.Password,
		}, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.costs = led
		a.log.Info("ledger backend: clickhouse", slog.String("addr", a.cfg.Ledger.Addr))

	case "memory":
		a.costs = ledger.NewMemoryLedger()
		a.log.Info("ledger backend: memory (in-process)")

	case "none":
		a.log.Info("ledger backend: disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the orchestrator with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	profiles := buildProfiles(a.cfg, a.provs)

	roles := resolveRoles(a.cfg.Routing, profiles)
	if roles != (roleSet{a.cfg.Routing.Reasoning, a.cfg.Routing.Fast, a.cfg.Routing.Balanced, a.cfg.Routing.Generalist}) {
		a.log.Info("routing roles remapped to configured providers",
			slog.String("reasoning", roles.Reasoning),
			slog.String("fast", roles.Fast),
			slog.String("balanced", roles.Balanced),
			slog.String("generalist", roles.Generalist),
		)
	}

	policy := &gateway.RoutingPolicy{
		Reasoning:  roles.Reasoning,
		Fast:       roles.Fast,
		Balanced:   roles.Balanced,
		Generalist: roles.Generalist,
		Preference: a.cfg.Routing.Preference,
		Profiles:   profiles,
	}
	sel, err := gateway.NewSelector(policy)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	breaker := gateway.NewCircuitBreakerWithConfig(ids, gateway.CBConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    a.cfg.CircuitBreaker.FailureWindow,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
	})

	classifier := gateway.NewClassifier(a.log)
	if name := a.cfg.ClassifierProvider; name != "" {
		if p, ok := a.provs[name]; ok {
			classifier.SetDelegate(p)
			a.log.Info("classifier delegate enabled", slog.String("provider", name))
		} else {
			a.log.Warn("classifier delegate not configured", slog.String("provider", name))
		}
	}

	orch := gateway.NewOrchestrator(a.baseCtx, classifier, sel, breaker, a.provs, a.log)

	var cacheReady func() bool
	if a.store != nil {
		orch.SetCache(a.store, npCache.DefaultPolicy())
		if a.cfg.Cache.Mode == "redis" {
			cacheReady = redisPinger(a.baseCtx, a.rdb)
		} else {
			cacheReady = func() bool { return true }
		}
	}

	// Admission control — budgets come from the provider profiles.
	budgets := buildBudgets(profiles)
	switch a.cfg.RateLimit.Mode {
	case "redis":
		orch.SetLimiter(ratelimit.NewRedisLimiter(a.rdb, budgets))
		a.log.Info("rate limiting enabled", slog.String("backend", "redis"))
	case "memory":
		orch.SetLimiter(ratelimit.NewMemoryLimiter(budgets))
		a.log.Info("rate limiting enabled", slog.String("backend", "memory"))
	case "none":
		a.log.Info("rate limiting disabled")
	}

	if a.costs != nil {
		orch.SetLedger(a.costs)
	}
	orch.SetMetrics(a.prom)

	var ledgerReady func() bool
	if ch, ok := a.costs.(*ledger.ClickHouseLedger); ok {
		ledgerReady = ch.Ready
	}
	a.health = gateway.NewHealthChecker(a.baseCtx, a.provs, cacheReady, ledgerReady, a.prom)

	srv := gateway.NewServer(orch, a.log)
	srv.SetHealth(a.health)
	srv.SetMetrics(a.prom)
	srv.SetCORSOrigins(a.cfg.CORSOrigins)
	if a.costs != nil {
		srv.SetUsageLedger(a.costs)
	}

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.orch = orch
	a.srv = srv

	return nil
}

// defaultCapabilities is what each known provider can serve when the config
// does not override it.
var defaultCapabilities = map[string][]providers.TaskType{
	"openai": {
		providers.TaskGeneration, providers.TaskReasoning,
		providers.TaskClassification, providers.TaskCreative, providers.TaskVision,
	},
	"anthropic": {
		providers.TaskGeneration, providers.TaskReasoning,
		providers.TaskClassification, providers.TaskCreative, providers.TaskVision,
	},
	"gemini": {
		providers.TaskGeneration, providers.TaskReasoning,
		providers.TaskClassification, providers.TaskCreative,
		providers.TaskVision, providers.TaskAudio,
	},
	"mistral": {
		providers.TaskGeneration, providers.TaskClassification, providers.TaskCreative,
	},
}

// defaultCosts holds fallback USD prices per billing unit {input, output}.
var defaultCosts = map[string][2]float64{
	"openai":    {2.5e-06, 1.0e-05},
	"anthropic": {3.0e-06, 1.5e-05},
	"gemini":    {1.0e-07, 4.0e-07},
	"mistral":   {2.0e-06, 6.0e-06},
}

// buildProfiles assembles the routing profiles for every configured provider,
// applying config overrides on top of the built-in defaults.
func buildProfiles(cfg *config.Config, provs map[string]providers.Provider) map[string]*providers.Profile {
	pcs := map[string]config.ProviderConfig{
		"openai":    cfg.OpenAI,
		"anthropic": cfg.Anthropic,
		"gemini":    cfg.Gemini,
		"mistral":   cfg.Mistral,
	}

	profiles := make(map[string]*providers.Profile, len(provs))
	for id := range provs {
		pc := pcs[id]

		caps := defaultCapabilities[id]
		if len(pc.Capabilities) > 0 {
			caps = make([]providers.TaskType, 0, len(pc.Capabilities))
			for _, t := range pc.Capabilities {
				caps = append(caps, providers.TaskType(t))
			}
		}

		costIn, costOut := pc.CostPerInputUnit, pc.CostPerOutputUnit
		if costIn == 0 && costOut == 0 {
			d := defaultCosts[id]
			costIn, costOut = d[0], d[1]
		}

		timeout := pc.Timeout
		if timeout == 0 {
			timeout = cfg.ProviderTimeout
		}

		profiles[id] = &providers.Profile{
			ID:                id,
			Capabilities:      caps,
			CostPerInputUnit:  costIn,
			CostPerOutputUnit: costOut,
			RequestsPerMinute: pc.RPMLimit,
			UnitsPerMinute:    int(pc.UPMLimit),
			DefaultTimeout:    timeout,
		}
	}
	return profiles
}

// roleSet is the resolved provider assignment for the four routing roles.
type roleSet struct {
	Reasoning, Fast, Balanced, Generalist string
}

// resolveRoles re-points any routing role naming an unconfigured provider at
// one that is actually available, so a deployment with a single API key still
// produces a valid routing policy. Preference order decides the substitute;
// providers outside the preference list are considered in sorted order.
func resolveRoles(r config.RoutingConfig, profiles map[string]*providers.Profile) roleSet {
	var fallback string
	for _, id := range r.Preference {
		if profiles[id] != nil {
			fallback = id
			break
		}
	}
	if fallback == "" {
		ids := make([]string, 0, len(profiles))
		for id := range profiles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) > 0 {
			fallback = ids[0]
		}
	}

	pick := func(id string) string {
		if profiles[id] != nil {
			return id
		}
		return fallback
	}
	return roleSet{
		Reasoning:  pick(r.Reasoning),
		Fast:       pick(r.Fast),
		Balanced:   pick(r.Balanced),
		Generalist: pick(r.Generalist),
	}
}

// buildBudgets extracts per-provider admission budgets from the profiles.
func buildBudgets(profiles map[string]*providers.Profile) map[string]ratelimit.Budget {
	budgets := make(map[string]ratelimit.Budget, len(profiles))
	for id, p := range profiles {
		budgets[id] = ratelimit.Budget{
			RequestsPerMinute: p.RequestsPerMinute,
			UnitsPerMinute:    int64(p.UnitsPerMinute),
		}
	}
	return budgets
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
