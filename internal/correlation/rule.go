// Package correlation implements rule-driven correlation of security events:
// it connects discrete events into coordinated, multi-step attacks that are
// invisible when events are viewed in isolation.
package correlation

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-siem/internal/schema"
)

// PatternType classifies a correlation rule. The type is descriptive only;
// it does not alter evaluation behavior.
type PatternType string

const (
	TypeIPBased     PatternType = "ip_based"
	TypeUserBased   PatternType = "user_based"
	TypeTemporal    PatternType = "temporal"
	TypeMultiStage  PatternType = "multi_stage"
	TypeDistributed PatternType = "distributed"
	TypeBehavioral  PatternType = "behavioral"
)

// IsValid checks if the pattern type is a valid value.
func (t PatternType) IsValid() bool {
	switch t {
	case TypeIPBased, TypeUserBased, TypeTemporal, TypeMultiStage, TypeDistributed, TypeBehavioral:
		return true
	}
	return false
}

// Incident types opened by rule actions.
const (
	IncidentBruteForce         = "brute_force"
	IncidentAccountTakeover    = "account_takeover"
	IncidentSuspiciousActivity = "suspicious_activity"
	IncidentDataExfiltration   = "data_exfiltration"
)

// Group-by fields with first-class event columns. Any other field name is
// resolved against the event's Details map.
const (
	GroupBySourceIP = "sourceIp"
	GroupByUserID   = "userId"
	GroupByUsername = "username"
)

// Conditions describes when a rule matches.
type Conditions struct {
	// EventTypes is an allowlist of event types. Empty means all types.
	EventTypes []string `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	// MinEvents is the minimum number of candidate events required. When
	// GroupBy is set the check applies per group, not to the whole set.
	MinEvents int `yaml:"min_events,omitempty" json:"min_events,omitempty"`
	// TimeWindow bounds how far back candidate events may lie.
	TimeWindow time.Duration `yaml:"time_window,omitempty" json:"time_window,omitempty"`
	// RequiredPatterns names behavioral patterns; the first one that matches
	// the sorted candidate set wins.
	RequiredPatterns []string `yaml:"required_patterns,omitempty" json:"required_patterns,omitempty"`
	// GroupBy partitions candidates before the count/pattern checks.
	GroupBy []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`
}

// Actions describes what happens when a rule fires.
type Actions struct {
	CreateIncident bool            `yaml:"create_incident,omitempty" json:"create_incident,omitempty"`
	IncidentType   string          `yaml:"incident_type,omitempty" json:"incident_type,omitempty"`
	AlertSeverity  schema.Severity `yaml:"alert_severity,omitempty" json:"alert_severity,omitempty"`
	// AlertMessage is a template with %name% placeholders: count, sourceIp,
	// userId, username, timeWindow.
	AlertMessage string `yaml:"alert_message,omitempty" json:"alert_message,omitempty"`
}

// Rule is a named, versionable detection policy.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Type        PatternType `yaml:"type" json:"type"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Conditions  Conditions  `yaml:"conditions" json:"conditions"`
	Actions     Actions     `yaml:"actions" json:"actions"`

	// Bookkeeping. CreatedAt/UpdatedAt track operator edits; LastTriggered
	// and TriggerCount are incremented once per attack the rule produces.
	CreatedAt     time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt     time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	LastTriggered time.Time `yaml:"last_triggered,omitempty" json:"last_triggered,omitempty"`
	TriggerCount  uint64    `yaml:"trigger_count,omitempty" json:"trigger_count"`
}

// Validate validates the rule definition. Unknown pattern names are allowed:
// they evaluate to "no match" rather than failing the whole rule set.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown rule type: %q", r.Type)
	}
	if r.Conditions.MinEvents < 0 {
		return fmt.Errorf("min_events must not be negative")
	}
	if r.Conditions.TimeWindow < 0 {
		return fmt.Errorf("time_window must not be negative")
	}
	for i, p := range r.Conditions.RequiredPatterns {
		if p == "" {
			return fmt.Errorf("required pattern %d: name is empty", i)
		}
	}
	for i, f := range r.Conditions.GroupBy {
		if f == "" {
			return fmt.Errorf("group_by field %d: name is empty", i)
		}
	}
	if s := r.Actions.AlertSeverity; s != "" && !s.IsValid() {
		return fmt.Errorf("invalid alert severity: %q", s)
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Conditions.EventTypes = append([]string(nil), r.Conditions.EventTypes...)
	cp.Conditions.RequiredPatterns = append([]string(nil), r.Conditions.RequiredPatterns...)
	cp.Conditions.GroupBy = append([]string(nil), r.Conditions.GroupBy...)
	return &cp
}

// Window returns the rule's time window, falling back to the given default
// when the rule does not bound its candidates.
func (r *Rule) Window(fallback time.Duration) time.Duration {
	if r.Conditions.TimeWindow > 0 {
		return r.Conditions.TimeWindow
	}
	return fallback
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes, accepting either a list
// or a single rule document.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
