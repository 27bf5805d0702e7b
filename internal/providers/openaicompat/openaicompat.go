// Package openaicompat provides a generic OpenAI-compatible model provider.
// Use it for any backend that implements the OpenAI chat completions API
// (Mistral, Groq, Together AI, self-hosted inference servers, mocks).
//
// The gateway's generalist fallback provider is built on this client by
// default, so every request has a last-resort candidate even when no
// official SDK backend matches.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Provider is a configurable OpenAI-compatible model provider.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  map[providers.TaskType]string
	retry   providers.RetryPolicy

	client openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the model used for a task type.
func WithModel(task providers.TaskType, model string) Option {
	return func(p *Provider) { p.models[task] = model }
}

// WithRetryPolicy overrides the transient-retry policy.
func WithRetryPolicy(rp providers.RetryPolicy) Option {
	return func(p *Provider) { p.retry = rp }
}

// New creates a new OpenAI-compatible Provider.
//
//   - name         — unique provider identifier used for routing and logs.
//   - apiKey       — API key sent as "Authorization: Bearer <key>".
//   - baseURL      — API base URL, e.g. "https://api.mistral.ai/v1".
//   - defaultModel — model used for every task type unless overridden.
func New(name, apiKey, baseURL, defaultModel string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  make(map[providers.TaskType]string, len(providers.TaskTypes)),
		retry:   providers.DefaultRetryPolicy,
	}
	for _, task := range providers.TaskTypes {
		p.models[task] = defaultModel
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

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	prompt := call.Prompt
	if call.MediaRef != "" {
		prompt += "\n\n[media] " + call.MediaRef
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    p.modelFor(call.Task),
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(prompt)},
	}
	if call.MaxOutputUnits > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(call.MaxOutputUnits))
	}

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

func (p *Provider) modelFor(task providers.TaskType) string {
	if m, ok := p.models[task]; ok {
		return m
	}
	return p.models[providers.TaskGeneration]
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.CallError{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
