// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis and ClickHouse are optional — set CACHE_MODE=memory and
// LEDGER_MODE=memory to run with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials and tuning — at least one key must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// Routing maps the selector roles onto configured providers.
	Routing RoutingConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode or RateLimit.Mode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls per-provider admission budgets.
	RateLimit RateLimitConfig

	// Ledger controls where usage records are written.
	Ledger LedgerConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// ProviderTimeout is the per-provider call timeout when a profile does not
	// override it. Default: 30s.
	ProviderTimeout time.Duration

	// ClassifierProvider optionally names the provider used as the model
	// delegate for ambiguous task classification. Empty disables delegation
	// and classification falls back to its heuristics.
	ClassifierProvider string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds credentials and per-unit pricing for one provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Model overrides the default model name used for this provider.
	Model string

	// CostPerInputUnit / CostPerOutputUnit are USD prices per billing unit,
	// used by the cost ledger.
	CostPerInputUnit  float64
	CostPerOutputUnit float64

	// Capabilities restricts which task types this provider may serve.
	// Empty means the provider's built-in default capability set.
	Capabilities []string

	// RPMLimit / UPMLimit are per-minute admission budgets for this provider.
	// 0 = unlimited.
	RPMLimit int
	UPMLimit int64

	// Timeout overrides the global per-provider call timeout. 0 = inherit.
	Timeout time.Duration
}

// RoutingConfig assigns selector roles to provider IDs and fixes the
// fallback preference order.
type RoutingConfig struct {
	// Reasoning handles high-complexity and reasoning work. Default: anthropic.
	Reasoning string
	// Fast handles simple and latency-sensitive work. Default: gemini.
	Fast string
	// Balanced is the default choice. Default: openai.
	Balanced string
	// Generalist is appended last to every fallback chain. Default: mistral.
	Generalist string
	// Preference orders the fallback tail. Default: openai, anthropic, gemini, mistral.
	Preference []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string
}

// RateLimitConfig controls the per-provider admission limiter.
type RateLimitConfig struct {
	// Mode selects the limiter backend:
	//   "redis"  — Redis-backed limiter, shared across replicas (requires REDIS_URL).
	//   "memory" — In-process limiter.
	//   "none"   — Admission control disabled.
	// Default: "memory".
	Mode string
}

// LedgerConfig controls the usage ledger backend.
type LedgerConfig struct {
	// Mode selects the ledger backend:
	//   "clickhouse" — async batched writes to ClickHouse (requires CLICKHOUSE_ADDR).
	//   "memory"     — in-process ledger; records are lost on restart.
	//   "none"       — usage recording disabled.
	// Default: "memory".
	Mode string

	// Addr is the ClickHouse native-protocol address, e.g. "localhost:9000".
	Addr string

	// Database, Username, Password are the ClickHouse credentials.
	Database string
	Username string
	Password string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trip the breaker. Default: 3.
	FailureThreshold int

	// FailureWindow is the rolling window over which failures are counted.
	// Default: 5m.
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 60s.
	Cooldown time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when a redis-backed component is selected.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("RATELIMIT_MODE", "memory")
	v.SetDefault("LEDGER_MODE", "memory")
	v.SetDefault("CLICKHOUSE_DATABASE", "gateway")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Routing role defaults.
	v.SetDefault("ROLE_REASONING", "anthropic")
	v.SetDefault("ROLE_FAST", "gemini")
	v.SetDefault("ROLE_BALANCED", "openai")
	v.SetDefault("ROLE_GENERALIST", "mistral")
	v.SetDefault("ROUTING_PREFERENCE", []string{"openai", "anthropic", "gemini", "mistral"})

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", providers.CBFailureThreshold)
	v.SetDefault("CB_FAILURE_WINDOW", providers.CBFailureWindow.String())
	v.SetDefault("CB_COOLDOWN", providers.CBCooldown.String())

	v.SetDefault("PROVIDER_TIMEOUT", providers.ProviderTimeout.String())

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    providerConfig(v, "OPENAI"),
		Anthropic: providerConfig(v, "ANTHROPIC"),
		Gemini:    providerConfig(v, "GEMINI"),
		Mistral:   providerConfig(v, "MISTRAL"),

		Routing: RoutingConfig{
			Reasoning:  v.GetString("ROLE_REASONING"),
			Fast:       v.GetString("ROLE_FAST"),
			Balanced:   v.GetString("ROLE_BALANCED"),
			Generalist: v.GetString("ROLE_GENERALIST"),
			Preference: v.GetStringSlice("ROUTING_PREFERENCE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		RateLimit: RateLimitConfig{
			Mode: strings.ToLower(v.GetString("RATELIMIT_MODE")),
		},

		Ledger: LedgerConfig{
			Mode:     strings.ToLower(v.GetString("LEDGER_MODE")),
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			FailureWindow:    v.GetDuration("CB_FAILURE_WINDOW"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		ClassifierProvider: strings.ToLower(v.GetString("CLASSIFIER_PROVIDER")),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// providerConfig reads the env block for one provider. The GOOGLE_API_KEY
// alias is honored for gemini because Google SDKs conventionally use it.
func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	key := v.GetString(prefix + "_API_KEY")
	if key == "" && prefix == "GEMINI" {
		key = v.GetString("GOOGLE_API_KEY")
	}
	return ProviderConfig{
		APIKey:            key,
		BaseURL:           v.GetString(prefix + "_BASE_URL"),
		Model:             v.GetString(prefix + "_MODEL"),
		CostPerInputUnit:  v.GetFloat64(prefix + "_COST_PER_INPUT_UNIT"),
		CostPerOutputUnit: v.GetFloat64(prefix + "_COST_PER_OUTPUT_UNIT"),
		Capabilities:      v.GetStringSlice(prefix + "_CAPABILITIES"),
		RPMLimit:          v.GetInt(prefix + "_RPM_LIMIT"),
		UPMLimit:          v.GetInt64(prefix + "_UPM_LIMIT"),
		Timeout:           v.GetDuration(prefix + "_TIMEOUT"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY/GOOGLE_API_KEY, or MISTRAL_API_KEY)",
		)
	}

	// Redis URL is required when any redis-backed component is selected.
	if c.Redis.URL == "" {
		if c.Cache.Mode == "redis" {
			return fmt.Errorf(
				"config: REDIS_URL is required when CACHE_MODE=redis; " +
					"set CACHE_MODE=memory to use the built-in in-process cache",
			)
		}
		if c.RateLimit.Mode == "redis" {
			return fmt.Errorf(
				"config: REDIS_URL is required when RATELIMIT_MODE=redis; " +
					"set RATELIMIT_MODE=memory to use the in-process limiter",
			)
		}
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.RateLimit.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid RATELIMIT_MODE %q; must be one of: redis, memory, none",
			c.RateLimit.Mode,
		)
	}

	switch c.Ledger.Mode {
	case "clickhouse", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid LEDGER_MODE %q; must be one of: clickhouse, memory, none",
			c.Ledger.Mode,
		)
	}
	if c.Ledger.Mode == "clickhouse" && c.Ledger.Addr == "" {
		return fmt.Errorf(
			"config: CLICKHOUSE_ADDR is required when LEDGER_MODE=clickhouse; " +
				"set LEDGER_MODE=memory to keep usage records in-process",
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.FailureWindow <= 0 {
		return fmt.Errorf("config: CB_FAILURE_WINDOW must be a positive duration")
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}

	// Capability overrides must use known task types.
	for name, pc := range map[string]ProviderConfig{
		"OPENAI": c.OpenAI, "ANTHROPIC": c.Anthropic, "GEMINI": c.Gemini, "MISTRAL": c.Mistral,
	} {
		for _, task := range pc.Capabilities {
			if !providers.TaskType(task).Valid() {
				return fmt.Errorf("config: %s_CAPABILITIES contains unknown task type %q", name, task)
			}
		}
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
