// Package anthropic implements providers.Provider for Anthropic (official SDK).
//
// This is the gateway's designated deep-reasoning backend by default:
// high-complexity requests land here first.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	providerName      = "anthropic"
	defaultMaxOutputs = 4096
)

var defaultModels = map[providers.TaskType]string{
	providers.TaskGeneration:     "claude-sonnet-4-5",
	providers.TaskReasoning:      "claude-opus-4-5",
	providers.TaskVision:         "claude-sonnet-4-5",
	providers.TaskClassification: "claude-haiku-4-5",
	providers.TaskCreative:       "claude-sonnet-4-5",
}

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
	models  map[providers.TaskType]string
	retry   providers.RetryPolicy

	client anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel overrides the model used for a task type.
func WithModel(task providers.TaskType, model string) Option {
	return func(p *Provider) { p.models[task] = model }
}

// WithRetryPolicy overrides the transient-retry policy.
func WithRetryPolicy(rp providers.RetryPolicy) Option {
	return func(p *Provider) { p.retry = rp }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		models:  make(map[providers.TaskType]string, len(defaultModels)),
		retry:   providers.DefaultRetryPolicy,
	}
	for task, model := range defaultModels {
		p.models[task] = model
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	params := p.buildParams(call)

	var msg *anthropic.Message
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		m, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return toProviderError(err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collect all text blocks into a single content string.
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Result{
		Content:      sb.String(),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputUnits:  int(msg.Usage.InputTokens),
			OutputUnits: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) buildParams(call *providers.Call) anthropic.MessageNewParams {
	maxOutputs := call.MaxOutputUnits
	if maxOutputs == 0 {
		maxOutputs = defaultMaxOutputs
	}

	prompt := call.Prompt
	if call.MediaRef != "" {
		prompt += "\n\n[media] " + call.MediaRef
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(p.modelFor(call.Task)),
		MaxTokens: int64(maxOutputs),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
}

func (p *Provider) modelFor(task providers.TaskType) string {
	if m, ok := p.models[task]; ok {
		return m
	}
	return p.models[providers.TaskGeneration]
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.CallError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
