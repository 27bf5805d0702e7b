package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// RoutingPolicy assigns provider roles and a static preference ranking.
// Immutable once published; hot reload swaps the whole value atomically.
type RoutingPolicy struct {
	// Role assignments referenced by the decision table.
	Reasoning  string // deep-reasoning provider (rule 2)
	Fast       string // fast/cheap provider (rules 3 and 4)
	Balanced   string // balanced generation provider (rule 5)
	Generalist string // appended last, guarantees a fallback tail

	// Preference orders the fallback tail for capable providers that the
	// rules did not place.
	Preference []string

	// Profiles holds the static per-provider configuration, keyed by ID.
	Profiles map[string]*providers.Profile
}

// Validate checks that every role points at a configured profile.
func (p *RoutingPolicy) Validate() error {
	for _, role := range []struct{ name, id string }{
		{"reasoning", p.Reasoning},
		{"fast", p.Fast},
		{"balanced", p.Balanced},
		{"generalist", p.Generalist},
	} {
		if p.Profiles[role.id] == nil {
			return fmt.Errorf("routing policy: %s role points at unknown provider %q", role.name, role.id)
		}
	}
	return nil
}

// Decision is the selector's verdict: an ordered candidate list plus the
// rule that picked the primary, echoed back to callers as the routing
// explanation.
type Decision struct {
	Candidates []string // primary first, never empty
	Rule       string   // machine-readable rule name
	Reason     string   // human-readable routing explanation
}

func (d Decision) Primary() string { return d.Candidates[0] }

// Selector maps a classification to an ordered provider candidate list by
// evaluating a fixed decision table top to bottom. Safe for concurrent use;
// UpdatePolicy may be called at any time to hot-swap the routing policy.
type Selector struct {
	policy atomic.Pointer[RoutingPolicy]
}

// NewSelector creates a Selector with the given initial policy.
func NewSelector(policy *RoutingPolicy) (*Selector, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{}
	s.policy.Store(policy)
	return s, nil
}

// UpdatePolicy atomically replaces the routing policy. In-flight requests
// keep the policy they started with.
func (s *Selector) UpdatePolicy(policy *RoutingPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	s.policy.Store(policy)
	return nil
}

// Policy returns the currently published policy.
func (s *Selector) Policy() *RoutingPolicy {
	return s.policy.Load()
}

// SelectCandidates evaluates the decision table and returns the ordered
// candidate list for the classified request.
//
// Rules, first match wins for the primary:
//
//  1. Only one provider offers the required capability — that provider,
//     regardless of other fields.
//  2. budgetTier economy — the fast/cheap provider (overrides 3 and 4).
//  3. Complexity high — the deep-reasoning provider.
//  4. Complexity simple or priority high — the fast/cheap provider.
//  5. Default — the balanced generation provider.
//
// The tail is the remaining capable providers in static preference order,
// with the generalist last. Every candidate supports the task type; when no
// provider does, ErrNoCapableProvider is returned instead of an empty list.
func (s *Selector) SelectCandidates(cls providers.Classification, priority providers.Priority, budget providers.BudgetTier) (Decision, error) {
	p := s.policy.Load()

	capable := capableProviders(p, cls.TaskType)
	if len(capable) == 0 {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoCapableProvider, cls.TaskType)
	}

	primary, rule, reason := pickPrimary(p, cls, priority, budget, capable)

	candidates := make([]string, 0, len(capable))
	candidates = append(candidates, primary)

	// Preference-ranked tail, generalist held back for the final slot.
	for _, id := range p.Preference {
		if id == primary || id == p.Generalist || !capable[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	if p.Generalist != primary && capable[p.Generalist] {
		candidates = append(candidates, p.Generalist)
	}

	return Decision{Candidates: candidates, Rule: rule, Reason: reason}, nil
}

// capableProviders returns the set of provider IDs supporting the task type.
func capableProviders(p *RoutingPolicy, task providers.TaskType) map[string]bool {
	capable := make(map[string]bool, len(p.Profiles))
	for id, profile := range p.Profiles {
		if profile.Supports(task) {
			capable[id] = true
		}
	}
	return capable
}

// pickPrimary walks the decision table. A rule whose designated provider
// lacks the required capability is skipped so the returned primary always
// supports the task.
func pickPrimary(p *RoutingPolicy, cls providers.Classification, priority providers.Priority, budget providers.BudgetTier, capable map[string]bool) (id, rule, reason string) {
	// Rule 1: sole capability holder wins outright.
	if len(capable) == 1 {
		for only := range capable {
			return only, "sole_capability",
				fmt.Sprintf("%s is the only provider supporting %s", only, cls.TaskType)
		}
	}

	// Rule 2: economy budget overrides the complexity rules, never rule 1.
	if budget == providers.BudgetEconomy && capable[p.Fast] {
		return p.Fast, "economy_budget",
			fmt.Sprintf("economy budget tier routed to fast provider %s", p.Fast)
	}

	// Rule 3: high complexity needs the deep-reasoning provider.
	if cls.Tier == providers.TierHigh && capable[p.Reasoning] {
		return p.Reasoning, "high_complexity",
			fmt.Sprintf("high complexity routed to reasoning provider %s", p.Reasoning)
	}

	// Rule 4: simple or latency-sensitive work goes to the fast provider.
	if (cls.Tier == providers.TierSimple || priority == providers.PriorityHigh) && capable[p.Fast] {
		return p.Fast, "fast_path",
			fmt.Sprintf("simple or latency-sensitive request routed to fast provider %s", p.Fast)
	}

	// Rule 5: balanced default.
	if capable[p.Balanced] {
		return p.Balanced, "default",
			fmt.Sprintf("default routing to balanced provider %s", p.Balanced)
	}

	// The designated default cannot serve this task; fall back to the best
	// capable provider by preference order.
	for _, candidate := range p.Preference {
		if capable[candidate] {
			return candidate, "capability_fallback",
				fmt.Sprintf("no role provider supports %s, using %s", cls.TaskType, candidate)
		}
	}
	for candidate := range capable {
		return candidate, "capability_fallback",
			fmt.Sprintf("no role provider supports %s, using %s", cls.TaskType, candidate)
	}
	return "", "", "" // unreachable: capable is non-empty
}
