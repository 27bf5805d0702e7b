package cache

import (
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Scope controls which callers share a cached response.
//
//	ScopeGlobal    — one entry serves every caller (non-personalized output).
//	ScopePerCaller — entries are partitioned by caller ID.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePerCaller Scope = "caller"
)

// Rule is the cache behaviour for one task category. A zero TTL disables
// caching for the category entirely — correctness over savings.
type Rule struct {
	TTL   time.Duration
	Scope Scope
}

// Policy maps task categories to cache rules. Immutable after construction;
// hot reload swaps the whole Policy value.
type Policy struct {
	rules map[providers.TaskType]Rule
}

// NewPolicy builds a Policy from per-category rules. Categories absent from
// rules are not cached.
func NewPolicy(rules map[providers.TaskType]Rule) *Policy {
	p := &Policy{rules: make(map[providers.TaskType]Rule, len(rules))}
	for task, r := range rules {
		p.rules[task] = r
	}
	return p
}

// DefaultPolicy returns the built-in TTL table:
//
//	classification        → 2h, shared across callers (deterministic lookups)
//	generation / creative → 5m, per caller (personalized output)
//	vision / audio        → 10m, per caller
//	reasoning             → never cached (analysis over live data)
func DefaultPolicy() *Policy {
	return NewPolicy(map[providers.TaskType]Rule{
		providers.TaskClassification: {TTL: 2 * time.Hour, Scope: ScopeGlobal},
		providers.TaskGeneration:     {TTL: 5 * time.Minute, Scope: ScopePerCaller},
		providers.TaskCreative:       {TTL: 5 * time.Minute, Scope: ScopePerCaller},
		providers.TaskVision:         {TTL: 10 * time.Minute, Scope: ScopePerCaller},
		providers.TaskAudio:          {TTL: 10 * time.Minute, Scope: ScopePerCaller},
	})
}

// Rule returns the cache rule for a task category. The zero Rule (TTL 0)
// means the category is not cacheable.
func (p *Policy) Rule(task providers.TaskType) Rule {
	if p == nil {
		return Rule{}
	}
	return p.rules[task]
}

// Cacheable reports whether responses for the task category may be cached.
func (p *Policy) Cacheable(task providers.TaskType) bool {
	return p.Rule(task).TTL > 0
}
