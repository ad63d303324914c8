// Package schema defines the canonical security event format for Sentinel.
// Events are immutable facts produced at the moment of observation; the
// correlation engine never mutates them after ingestion.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Well-known event types. Producers may emit arbitrary types; these are the
// ones the default correlation rules depend on.
const (
	EventAuthFailure     = "authentication_failure"
	EventAuthSuccess     = "authentication_success"
	EventHoneypotTrigger = "honeypot_trigger"
	EventPathTraversal   = "path_traversal"
	EventSQLInjection    = "sql_injection"
	EventPathNotFound    = "path_not_found"
	EventLargeDataQuery  = "large_data_query"
	EventSensitiveAccess = "sensitive_data_access"
)

// SecurityEvent represents a single observed security event.
type SecurityEvent struct {
	// Required fields
	ID        string    `json:"id" validate:"required"`
	Type      string    `json:"type" validate:"required,event_type"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Optional correlation fields
	SourceIP string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	UserID   string `json:"user_id,omitempty" validate:"max=256"`
	Username string `json:"username,omitempty" validate:"max=256"`

	// Free-form event details. Values must be JSON-serializable.
	Details map[string]any `json:"details,omitempty"`

	// AlertID links back to an externally raised alert when the event was
	// synthesized from one.
	AlertID string `json:"alert_id,omitempty"`
}

// NewEvent creates an event with a generated ID and the given observation time.
func NewEvent(eventType string, ts time.Time) *SecurityEvent {
	return &SecurityEvent{
		ID:        "evt-" + uuid.NewString(),
		Type:      eventType,
		Timestamp: ts,
	}
}

// Age returns how long ago the event was observed relative to now.
func (e *SecurityEvent) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}
