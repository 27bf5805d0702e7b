package gateway

import (
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all dispatches pass through.
//	cbOpen     — provider is failing; dispatches are rejected immediately.
//	cbHalfOpen — recovery probe; exactly one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker. Default: providers.CBFailureThreshold (3).
	FailureThreshold int

	// FailureWindow is the rolling window for counting failures.
	// Default: providers.CBFailureWindow (5m).
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: providers.CBCooldown (60s).
	Cooldown time.Duration
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.CBFailureThreshold
}

func (c *CBConfig) failureWindow() time.Duration {
	if c.FailureWindow > 0 {
		return c.FailureWindow
	}
	return providers.CBFailureWindow
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.CBCooldown
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	failureCount  int
	windowStart   time.Time // start of the current failure-counting window
	openedAt      time.Time // when the breaker was tripped (for the cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each provider.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker tracking the given providers
// with default thresholds.
func NewCircuitBreaker(providerIDs []string) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(providerIDs, CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(providerIDs []string, cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
	for _, id := range providerIDs {
		cb.breakers[id] = &providerCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named provider should receive the next dispatch.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown providers (the breaker is not tracking them).
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true // unknown provider — optimistic allow
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.cooldown() {
			// Transition to half-open: allow exactly one probe request.
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			// A probe is already in flight — reject other dispatches.
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.failureCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments the failure counter for provider. When the counter
// reaches FailureThreshold within FailureWindow the breaker opens. A failed
// half-open probe reopens the breaker immediately and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if pcb.state == cbHalfOpen {
		// The probe failed — back to open, cooldown restarts.
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		pcb.failureCount = 0
		pcb.windowStart = now
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.failureWindow() {
		pcb.failureCount = 0
		pcb.windowStart = now
	}

	pcb.failureCount++

	if pcb.failureCount >= cb.cfg.failureThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}
