package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// classifierSystemPrompt instructs the delegate model to label a prompt.
// The model must return only a JSON object; anything else falls through to
// the heuristic rules.
const classifierSystemPrompt = `You are a request classifier. Analyze the prompt and return ONLY a JSON object with these fields:
- task: one of "generation", "reasoning", "classification", "creative"
- tier: one of "simple", "standard", "high"

Rules:
- "reasoning": analysis, math, multi-step problem solving
- "classification": labeling, categorization, lookups
- "creative": stories, poetry, brainstorming
- "generation": everything else

Tier is "high" if the task needs deep reasoning or many steps, "simple" for short factual requests.

Return ONLY the JSON object, no other text.`

// audioExtensions mark a media reference as an audio transcription request.
var audioExtensions = []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".aac"}

// Classifier labels an incoming request with a task type and complexity
// tier. A small fast model can be attached as a delegate; when it is absent
// or fails, ordered heuristic rules decide. Classification never returns an
// error — an unresolvable request defaults to generation/standard so that
// classification failure can never block a request.
type Classifier struct {
	delegate providers.Provider // optional small-model delegate, may be nil
	log      *slog.Logger
}

// NewClassifier creates a heuristic-only classifier.
func NewClassifier(log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{log: log}
}

// SetDelegate attaches a small fast model used for prompts the heuristics
// cannot place. Pass nil to go back to heuristics only.
func (c *Classifier) SetDelegate(p providers.Provider) {
	c.delegate = p
}

// Classify resolves the task type and complexity tier for req.
//
// A valid taskType on the request is trusted as-is; a valid complexityHint
// skips tier inference. Everything else goes through the heuristics, with
// the model delegate consulted for text-only prompts the rules cannot place.
func (c *Classifier) Classify(ctx context.Context, req *providers.Request) providers.Classification {
	out := providers.Classification{
		TaskType: providers.TaskGeneration,
		Tier:     providers.TierStandard,
	}

	taskKnown := req.TaskType.Valid()
	tierKnown := req.ComplexityHint.Valid()

	if taskKnown {
		out.TaskType = req.TaskType
	}
	if tierKnown {
		out.Tier = req.ComplexityHint
	}
	if taskKnown && tierKnown {
		return out
	}

	// Media references decide the task type outright.
	if !taskKnown && req.MediaRef != "" {
		out.TaskType = providers.TaskVision
		if hasAudioExtension(req.MediaRef) {
			out.TaskType = providers.TaskAudio
		}
		taskKnown = true
	}

	if !taskKnown {
		if task, ok := taskFromKeywords(req.Prompt); ok {
			out.TaskType = task
			taskKnown = true
		}
	}

	// Text prompt the rules could not place — ask the delegate model.
	if !taskKnown && c.delegate != nil {
		if cls, ok := c.delegateClassify(ctx, req.Prompt); ok {
			out.TaskType = cls.TaskType
			if !tierKnown {
				out.Tier = cls.Tier
			}
			return out
		}
	}

	if !tierKnown {
		out.Tier = tierFromSize(req.Prompt, req.MaxOutputUnits)
	}

	out.Defaulted = !taskKnown
	return out
}

// delegateClassify asks the attached small model for a label. Any failure
// (call error, unparseable output, unknown values) reports ok=false.
func (c *Classifier) delegateClassify(ctx context.Context, prompt string) (providers.Classification, bool) {
	res, err := c.delegate.Generate(ctx, &providers.Call{
		Task:           providers.TaskClassification,
		Prompt:         classifierSystemPrompt + "\n\nPrompt:\n" + prompt,
		MaxOutputUnits: 64,
	})
	if err != nil {
		c.log.WarnContext(ctx, "classifier_delegate_failed",
			slog.String("error", err.Error()),
		)
		return providers.Classification{}, false
	}

	var parsed struct {
		Task string `json:"task"`
		Tier string `json:"tier"`
	}
	raw, ok := extractJSON(res.Content)
	if !ok {
		return providers.Classification{}, false
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return providers.Classification{}, false
	}

	task := providers.TaskType(parsed.Task)
	tier := providers.ComplexityTier(parsed.Tier)
	if !task.Valid() {
		return providers.Classification{}, false
	}
	if !tier.Valid() {
		tier = providers.TierStandard
	}

	return providers.Classification{TaskType: task, Tier: tier}, true
}

// extractJSON pulls a JSON object out of model output that may contain
// surrounding prose or code fences.
func extractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return text, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

func hasAudioExtension(ref string) bool {
	lower := strings.ToLower(ref)
	for _, ext := range audioExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// taskFromKeywords applies the ordered keyword rules. First match wins.
func taskFromKeywords(prompt string) (providers.TaskType, bool) {
	lower := strings.ToLower(prompt)

	classification := []string{"classify", "categorize", "categorise", "label the", "which category"}
	for _, kw := range classification {
		if strings.Contains(lower, kw) {
			return providers.TaskClassification, true
		}
	}

	creative := []string{"write a story", "write a poem", "short story", "poem about", "brainstorm", "creative writing"}
	for _, kw := range creative {
		if strings.Contains(lower, kw) {
			return providers.TaskCreative, true
		}
	}

	reasoning := []string{"prove", "step by step", "step-by-step", "analyze", "analyse", "derive", "solve for", "explain why"}
	for _, kw := range reasoning {
		if strings.Contains(lower, kw) {
			return providers.TaskReasoning, true
		}
	}

	return "", false
}

// tierFromSize infers complexity from prompt length and requested output.
func tierFromSize(prompt string, maxOutputUnits int) providers.ComplexityTier {
	switch {
	case len(prompt) > 2000 || maxOutputUnits > 2000:
		return providers.TierHigh
	case len(prompt) < 200 && (maxOutputUnits == 0 || maxOutputUnits <= 256):
		return providers.TierSimple
	default:
		return providers.TierStandard
	}
}
