// Package attack stores detected attacks and manages their investigation
// lifecycle. Attacks are the engine's authoritative detection artifacts:
// append-only, never deleted.
package attack

import (
	"time"

	"sentinel-siem/internal/schema"
)

// Status represents the lifecycle state of an attack.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusMitigated     Status = "mitigated"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// IsValid checks if the status is a valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusMitigated, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
// Reopening a resolved or false-positive attack is not supported.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// transitions defines the allowed forward moves of the status machine.
var transitions = map[Status][]Status{
	StatusNew:           {StatusInvestigating, StatusResolved, StatusFalsePositive},
	StatusInvestigating: {StatusMitigated, StatusResolved, StatusFalsePositive},
	StatusMitigated:     {StatusResolved, StatusFalsePositive},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Attack is a detected correlation: a coordinated set of events matched by a
// rule. Mutated only through Registry operations after creation.
type Attack struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`

	// Type is the triggering rule's correlation type tag, e.g. "ip_based".
	Type string `json:"type"`

	SourceIP string `json:"source_ip,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	EventIDs   []string `json:"event_ids"`
	AlertIDs   []string `json:"alert_ids,omitempty"`
	IncidentID string   `json:"incident_id,omitempty"`

	DetectedAt  time.Time       `json:"detected_at"`
	Confidence  float64         `json:"confidence"`
	Severity    schema.Severity `json:"severity"`
	Description string          `json:"description"`

	Status     Status     `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
}
