// Package providers defines the common interfaces and types used by all
// model provider implementations (OpenAI, Anthropic, Gemini, and generic
// OpenAI-compatible backends).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. The gateway never talks to a backend except through this
// interface, so providers are fully interchangeable at routing time.
package providers

import (
	"context"
	"time"
)

// TaskType is the closed set of work categories a request can carry.
type TaskType string

const (
	TaskGeneration     TaskType = "generation"
	TaskReasoning      TaskType = "reasoning"
	TaskVision         TaskType = "vision"
	TaskAudio          TaskType = "audio"
	TaskClassification TaskType = "classification"
	TaskCreative       TaskType = "creative"
)

// TaskTypes lists every valid task type. Used for config validation and
// capability tables.
var TaskTypes = []TaskType{
	TaskGeneration,
	TaskReasoning,
	TaskVision,
	TaskAudio,
	TaskClassification,
	TaskCreative,
}

// Valid reports whether t is a member of the closed task type set.
func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ComplexityTier grades how much model capability a request needs.
type ComplexityTier string

const (
	TierSimple   ComplexityTier = "simple"
	TierStandard ComplexityTier = "standard"
	TierHigh     ComplexityTier = "high"
)

// Valid reports whether c is one of simple, standard, high.
func (c ComplexityTier) Valid() bool {
	switch c {
	case TierSimple, TierStandard, TierHigh:
		return true
	}
	return false
}

// Priority is the caller's latency sensitivity.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// BudgetTier is the caller's spend class.
type BudgetTier string

const (
	BudgetEconomy  BudgetTier = "economy"
	BudgetStandard BudgetTier = "standard"
	BudgetPremium  BudgetTier = "premium"
)

type (
	// Request is the immutable unit of work handed to the gateway. It is
	// constructed once on entry and read-only everywhere downstream.
	Request struct {
		TaskType       TaskType
		ComplexityHint ComplexityTier // empty when the caller has no opinion
		Priority       Priority
		BudgetTier     BudgetTier

		// Prompt is the text payload. MediaRef optionally points at an
		// image or audio object for vision/transcription tasks.
		Prompt   string
		MediaRef string

		// MaxOutputUnits caps the generated output length. 0 = provider default.
		MaxOutputUnits int

		// CallerID identifies the billing subject for the usage ledger and
		// for per-caller cache scoping.
		CallerID string

		// MaxLatency is the caller's end-to-end deadline. 0 = no deadline.
		MaxLatency time.Duration

		RequestID string
	}

	// Classification is the classifier's verdict for a Request: the
	// (possibly refined) task type plus a complexity tier. Defaulted is set
	// when classification could not resolve and fell back to
	// generation/standard.
	Classification struct {
		TaskType  TaskType
		Tier      ComplexityTier
		Defaulted bool
	}

	// Usage — billing unit counts reported by the provider.
	Usage struct {
		InputUnits  int
		OutputUnits int
	}

	// Call is the normalized payload sent to a provider client.
	Call struct {
		Task           TaskType
		Prompt         string
		MediaRef       string
		MaxOutputUnits int
		RequestID      string
	}

	// Result is the normalized provider response.
	Result struct {
		Content      string
		Model        string
		Usage        Usage
		FinishReason string
	}
)

// Provider — backend model provider interface.
type Provider interface {
	Name() string
	Generate(ctx context.Context, call *Call) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Profile is the static per-provider configuration. Loaded at startup,
// read-only during request handling; hot reload replaces whole Profile
// values, never mutates them.
type Profile struct {
	ID           string
	Capabilities []TaskType

	// Cost per billing unit in USD.
	CostPerInputUnit  float64
	CostPerOutputUnit float64

	// Rate budgets per minute. 0 disables the corresponding budget.
	RequestsPerMinute int
	UnitsPerMinute    int

	DefaultTimeout time.Duration
	AvgLatencyHint time.Duration
}

// Supports reports whether the profile advertises the given task type.
func (p *Profile) Supports(t TaskType) bool {
	for _, c := range p.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// Cost computes the billed cost for a call against this profile.
func (p *Profile) Cost(inputUnits, outputUnits int) float64 {
	return float64(inputUnits)*p.CostPerInputUnit + float64(outputUnits)*p.CostPerOutputUnit
}

// Default circuit breaker and client constants.
const (
	CBFailureThreshold = 3
	CBFailureWindow    = 5 * time.Minute
	CBCooldown         = 60 * time.Second
	ProviderTimeout    = 30 * time.Second
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status, letting the gateway distinguish transient from permanent failures.
type StatusCoder interface {
	HTTPStatus() int
}
