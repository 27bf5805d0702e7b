// Package openai implements providers.Provider for OpenAI (official SDK).
//
// The gateway routes balanced generation, classification, and audio work
// here by default. Task types map to concrete models via a per-task table
// that can be overridden in configuration.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const providerName = "openai"

// defaultModels maps each task type to the model used for it.
var defaultModels = map[providers.TaskType]string{
	providers.TaskGeneration:     "gpt-4o",
	providers.TaskReasoning:      "o3-mini",
	providers.TaskVision:         "gpt-4o",
	providers.TaskAudio:          "gpt-4o-audio-preview",
	providers.TaskClassification: "gpt-4o-mini",
	providers.TaskCreative:       "gpt-4o",
}

// Provider implements providers.Provider for OpenAI.
type Provider struct {
	apiKey  string
	baseURL string
	models  map[providers.TaskType]string
	retry   providers.RetryPolicy

	client openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing and mocks).
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

// New creates a new OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		models: make(map[providers.TaskType]string, len(defaultModels)),
		retry:  providers.DefaultRetryPolicy,
	}
	for task, model := range defaultModels {
		p.models[task] = model
	}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	params := p.buildParams(call)

	var resp *openaiSDK.ChatCompletion
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		r, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return p.toProviderError(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = string(resp.Choices[0].FinishReason)
	}

	return &providers.Result{
		Content:      content,
		Model:        resp.Model,
		FinishReason: finish,
		Usage: providers.Usage{
			InputUnits:  int(resp.Usage.PromptTokens),
			OutputUnits: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) buildParams(call *providers.Call) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Model:    p.modelFor(call.Task),
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(promptText(call))},
	}
	if call.MaxOutputUnits > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(call.MaxOutputUnits))
	}
	return params
}

func (p *Provider) modelFor(task providers.TaskType) string {
	if m, ok := p.models[task]; ok {
		return m
	}
	return p.models[providers.TaskGeneration]
}

// promptText flattens the normalized call payload into a single prompt.
// Media references are passed by URL; fetching the bytes is the backend's
// concern, not the gateway's.
func promptText(call *providers.Call) string {
	if call.MediaRef == "" {
		return call.Prompt
	}
	return call.Prompt + "\n\n[media] " + call.MediaRef
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.CallError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
