// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when needed)
//  2. initProviders — model provider clients
//  3. initServices  — cache, rate limiter, usage ledger, metrics registry
//  4. initGateway   — classifier, selector, orchestrator, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/gateway"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/ai-gateway/internal/providers/openaicompat"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	memCache *npCache.MemoryCache
	store    npCache.Cache
	costs    ledger.Ledger

	prom *metrics.Registry

	provs  map[string]providers.Provider
	orch   *gateway.Orchestrator
	health *gateway.HealthChecker
	srv    *gateway.Server
	mgmt   *gateway.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("ledger_mode", a.cfg.Ledger.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.costs != nil {
		if err := a.costs.Close(); err != nil {
			a.log.Error("ledger close error", slog.String("error", err.Error()))
		}
		a.costs = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// mistralBaseURL is the default endpoint for the OpenAI-compatible Mistral API.
const mistralBaseURL = "https://api.mistral.ai/v1"

// buildProviders creates a provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Model != "" {
			for _, task := range providers.TaskTypes {
				opts = append(opts, openaiprov.WithModel(task, cfg.OpenAI.Model))
			}
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		if cfg.Anthropic.Model != "" {
			for _, task := range providers.TaskTypes {
				opts = append(opts, anthropicprov.WithModel(task, cfg.Anthropic.Model))
			}
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if cfg.Gemini.Model != "" {
			for _, task := range providers.TaskTypes {
				opts = append(opts, geminiprov.WithModel(task, cfg.Gemini.Model))
			}
		}
		// New returns nil when the SDK client cannot be constructed; a nil
		// provider must never enter the registry (typed nil would pass the
		// interface check and panic on first use).
		if g := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...); g != nil {
			provs["gemini"] = g
		}
	}
	if cfg.Mistral.APIKey != "" {
		baseURL := cfg.Mistral.BaseURL
		if baseURL == "" {
			baseURL = mistralBaseURL
		}
		model := cfg.Mistral.Model
		if model == "" {
			model = "mistral-large-latest"
		}
		provs["mistral"] = openaicompatprov.New("mistral", cfg.Mistral.APIKey, baseURL, model)
	}

	return provs
}
