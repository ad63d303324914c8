package correlation

import (
	"time"
)

// RuleRegistry holds the rule set in insertion order so that evaluation is
// deterministic across passes.
//
// The registry is not internally synchronized: the engine serializes rule
// mutation and evaluation under its single-writer lock.
type RuleRegistry struct {
	rules map[string]*Rule
	order []string
}

// NewRuleRegistry creates an empty rule registry.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{
		rules: make(map[string]*Rule),
	}
}

// List returns the rules in insertion order.
func (r *RuleRegistry) List() []*Rule {
	out := make([]*Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	return out
}

// Get returns the rule with the given id, or nil if unknown.
func (r *RuleRegistry) Get(id string) *Rule {
	return r.rules[id]
}

// Save upserts a rule. UpdatedAt is always refreshed; CreatedAt and
// TriggerCount are initialized only when the rule is new to the registry.
func (r *RuleRegistry) Save(rule *Rule, now time.Time) *Rule {
	rule.UpdatedAt = now

	existing, ok := r.rules[rule.ID]
	if !ok {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.TriggerCount = 0
		r.order = append(r.order, rule.ID)
	} else {
		// Trigger bookkeeping survives operator edits.
		rule.CreatedAt = existing.CreatedAt
		rule.TriggerCount = existing.TriggerCount
		rule.LastTriggered = existing.LastTriggered
	}

	r.rules[rule.ID] = rule
	return rule
}

// Delete removes a rule, reporting whether it existed.
func (r *RuleRegistry) Delete(id string) bool {
	if _, ok := r.rules[id]; !ok {
		return false
	}
	delete(r.rules, id)
	for i, ruleID := range r.order {
		if ruleID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered rules.
func (r *RuleRegistry) Len() int {
	return len(r.rules)
}

// RecordTrigger updates the rule's trigger bookkeeping. Called by the engine
// exactly once per attack the rule produces.
func (r *RuleRegistry) RecordTrigger(id string, now time.Time) {
	rule, ok := r.rules[id]
	if !ok {
		return
	}
	rule.LastTriggered = now
	rule.TriggerCount++
}
