// Package gemini implements providers.Provider for Google Gemini
// (official GenAI SDK).
//
// Gemini serves as the gateway's fast/cheap backend by default and is the
// first choice for vision and audio-transcription work.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

var defaultModels = map[providers.TaskType]string{
	providers.TaskGeneration:     "gemini-2.0-flash",
	providers.TaskReasoning:      "gemini-2.5-pro",
	providers.TaskVision:         "gemini-2.0-flash",
	providers.TaskAudio:          "gemini-2.0-flash",
	providers.TaskClassification: "gemini-2.0-flash-lite",
	providers.TaskCreative:       "gemini-2.0-flash",
}

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey  string
	baseURL string
	models  map[providers.TaskType]string
	retry   providers.RetryPolicy

	client *genai.Client
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

// New creates a new Gemini Provider. Returns nil if the SDK client cannot
// be constructed (callers treat a nil provider as not configured).
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
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

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil
	}

	p.client = client
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	model := p.modelFor(call.Task)
	contents, cfg := buildContentsAndConfig(call)

	var resp *genai.GenerateContentResponse
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		r, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return toProviderError(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
	}

	var inUnits, outUnits int
	if resp != nil && resp.UsageMetadata != nil {
		inUnits = int(resp.UsageMetadata.PromptTokenCount)
		outUnits = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Result{
		Content:      out,
		Model:        model,
		FinishReason: finish,
		Usage: providers.Usage{
			InputUnits:  inUnits,
			OutputUnits: outUnits,
		},
	}, nil
}

func (p *Provider) modelFor(task providers.TaskType) string {
	if m, ok := p.models[task]; ok {
		return m
	}
	return p.models[providers.TaskGeneration]
}

func buildContentsAndConfig(call *providers.Call) ([]*genai.Content, *genai.GenerateContentConfig) {
	prompt := call.Prompt
	if call.MediaRef != "" {
		prompt += "\n\n[media] " + call.MediaRef
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	var cfg *genai.GenerateContentConfig
	if call.MaxOutputUnits > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(call.MaxOutputUnits)}
	}

	return contents, cfg
}

// splitBaseURLAndVersion separates a trailing API version segment from the
// base URL, e.g. ".../v1beta" → (".../", "v1beta"). The GenAI SDK wants the
// two supplied separately.
func splitBaseURLAndVersion(raw string) (string, string) {
	trimmed := strings.TrimRight(raw, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return raw, ""
	}
	last := trimmed[idx+1:]
	if strings.HasPrefix(last, "v") && len(last) > 1 {
		return trimmed[:idx], last
	}
	return raw, ""
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.CallError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
