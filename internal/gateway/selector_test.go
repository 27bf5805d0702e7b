package gateway

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// testPolicy mirrors a typical four-provider deployment: anthropic for deep
// reasoning, gemini as the fast/cheap tier, openai as the balanced default,
// mistral as the generalist fallback. Only gemini sees images and audio.
func testPolicy() *RoutingPolicy {
	text := []providers.TaskType{
		providers.TaskGeneration,
		providers.TaskReasoning,
		providers.TaskClassification,
		providers.TaskCreative,
	}
	return &RoutingPolicy{
		Reasoning:  "anthropic",
		Fast:       "gemini",
		Balanced:   "openai",
		Generalist: "mistral",
		Preference: []string{"openai", "anthropic", "gemini", "mistral"},
		Profiles: map[string]*providers.Profile{
			"openai":    {ID: "openai", Capabilities: text},
			"anthropic": {ID: "anthropic", Capabilities: text},
			"gemini": {ID: "gemini", Capabilities: append([]providers.TaskType{
				providers.TaskVision, providers.TaskAudio,
			}, text...)},
			"mistral": {ID: "mistral", Capabilities: text},
		},
	}
}

func newTestSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := NewSelector(testPolicy())
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}

func TestSelector_SoleCapabilityWins(t *testing.T) {
	s := newTestSelector(t)

	// Vision is only on gemini; even a premium high-complexity request must
	// go there.
	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskVision, Tier: providers.TierHigh},
		providers.PriorityNormal,
		providers.BudgetPremium,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if dec.Primary() != "gemini" {
		t.Errorf("primary = %s, want gemini", dec.Primary())
	}
	if dec.Rule != "sole_capability" {
		t.Errorf("rule = %s, want sole_capability", dec.Rule)
	}
	if len(dec.Candidates) != 1 {
		t.Errorf("candidates = %v, want only the sole capable provider", dec.Candidates)
	}
}

func TestSelector_HighComplexityRoutesToReasoning(t *testing.T) {
	s := newTestSelector(t)

	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskReasoning, Tier: providers.TierHigh},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if dec.Primary() != "anthropic" {
		t.Errorf("primary = %s, want anthropic", dec.Primary())
	}
}

func TestSelector_SimpleOrHighPriorityRoutesToFast(t *testing.T) {
	s := newTestSelector(t)

	simple, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskGeneration, Tier: providers.TierSimple},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if simple.Primary() != "gemini" {
		t.Errorf("simple: primary = %s, want gemini", simple.Primary())
	}

	urgent, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskGeneration, Tier: providers.TierStandard},
		providers.PriorityHigh,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if urgent.Primary() != "gemini" {
		t.Errorf("high priority: primary = %s, want gemini", urgent.Primary())
	}
}

func TestSelector_EconomyOverridesComplexity(t *testing.T) {
	s := newTestSelector(t)

	// Economy beats the high-complexity rule. It must never beat sole
	// capability (covered by TestSelector_SoleCapabilityWins).
	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskReasoning, Tier: providers.TierHigh},
		providers.PriorityNormal,
		providers.BudgetEconomy,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if dec.Primary() != "gemini" {
		t.Errorf("primary = %s, want gemini (economy override)", dec.Primary())
	}
	if dec.Rule != "economy_budget" {
		t.Errorf("rule = %s, want economy_budget", dec.Rule)
	}
}

func TestSelector_DefaultRoutesToBalanced(t *testing.T) {
	s := newTestSelector(t)

	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskGeneration, Tier: providers.TierStandard},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if dec.Primary() != "openai" {
		t.Errorf("primary = %s, want openai", dec.Primary())
	}
	if dec.Rule != "default" {
		t.Errorf("rule = %s, want default", dec.Rule)
	}
}

func TestSelector_GeneralistAlwaysLast(t *testing.T) {
	s := newTestSelector(t)

	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskGeneration, Tier: providers.TierStandard},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(dec.Candidates) < 2 {
		t.Fatalf("candidates = %v, want at least primary plus fallback", dec.Candidates)
	}
	if last := dec.Candidates[len(dec.Candidates)-1]; last != "mistral" {
		t.Errorf("last candidate = %s, want the generalist mistral", last)
	}
}

func TestSelector_CandidatesAllCapable(t *testing.T) {
	s := newTestSelector(t)

	for _, task := range providers.TaskTypes {
		dec, err := s.SelectCandidates(
			providers.Classification{TaskType: task, Tier: providers.TierStandard},
			providers.PriorityNormal,
			providers.BudgetStandard,
		)
		if err != nil {
			t.Fatalf("%s: SelectCandidates: %v", task, err)
		}
		if len(dec.Candidates) == 0 {
			t.Fatalf("%s: empty candidate list", task)
		}
		policy := s.Policy()
		for _, id := range dec.Candidates {
			if !policy.Profiles[id].Supports(task) {
				t.Errorf("%s: candidate %s lacks the capability", task, id)
			}
		}
	}
}

func TestSelector_NoCapableProvider(t *testing.T) {
	policy := testPolicy()
	// Strip vision/audio support everywhere.
	policy.Profiles["gemini"].Capabilities = []providers.TaskType{providers.TaskGeneration}
	s, err := NewSelector(policy)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	_, err = s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskVision, Tier: providers.TierStandard},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if !errors.Is(err, ErrNoCapableProvider) {
		t.Fatalf("err = %v, want ErrNoCapableProvider", err)
	}
}

func TestSelector_UpdatePolicyHotSwap(t *testing.T) {
	s := newTestSelector(t)

	updated := testPolicy()
	updated.Balanced = "anthropic"
	if err := s.UpdatePolicy(updated); err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}

	dec, err := s.SelectCandidates(
		providers.Classification{TaskType: providers.TaskGeneration, Tier: providers.TierStandard},
		providers.PriorityNormal,
		providers.BudgetStandard,
	)
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if dec.Primary() != "anthropic" {
		t.Errorf("primary = %s, want anthropic after policy swap", dec.Primary())
	}
}

func TestSelector_RejectsInvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.Fast = "nonexistent"

	if _, err := NewSelector(policy); err == nil {
		t.Fatal("expected validation error for unknown role provider")
	}
}
