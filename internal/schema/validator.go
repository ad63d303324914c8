package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// eventTypePattern defines the valid format for event type tags.
// Types are lowercase snake_case, e.g. "authentication_failure".
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// Validator handles validation of security events before ingestion.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
// MaxAge matches the event store retention window: an event older than that
// would be evicted before it could ever correlate.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
func (v *Validator) Validate(event *SecurityEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	now := time.Now().UTC()
	switch {
	case event.Timestamp.IsZero():
		return fmt.Errorf("event %s has no timestamp", event.ID)
	case event.Timestamp.Before(now.Add(-v.maxAge)):
		return fmt.Errorf("event %s is older than the %v retention window", event.ID, v.maxAge)
	case event.Timestamp.After(now.Add(v.maxFuture)):
		return fmt.Errorf("event %s is more than %v in the future", event.ID, v.maxFuture)
	}
	return nil
}
