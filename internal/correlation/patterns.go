package correlation

import (
	"time"

	"sentinel-siem/internal/schema"
)

// Canonical pattern names. Default rules depend on these.
const (
	PatternFailuresThenSuccess = "multiple_failures_then_success"
	PatternHoneypotThenAttack  = "honeypot_then_attack"
)

// PatternFunc tests a chronologically sorted event sequence against a named
// behavioral pattern. Implementations must be pure: no side effects and no
// dependence on engine state, so repeated evaluation of the same slice always
// yields the same result.
type PatternFunc func(events []*schema.SecurityEvent, rule *Rule) bool

// patternRegistry maps pattern names to predicates. New patterns register
// here; the engine's control flow never changes.
var patternRegistry = map[string]PatternFunc{
	PatternFailuresThenSuccess: matchFailuresThenSuccess,
	PatternHoneypotThenAttack:  matchHoneypotThenAttack,
}

// RegisterPattern installs a pattern predicate under the given name,
// replacing any existing one. Intended for init-time registration.
func RegisterPattern(name string, fn PatternFunc) {
	patternRegistry[name] = fn
}

// MatchesPattern evaluates the named pattern against a sorted event sequence.
// Unknown pattern names match nothing; a misconfigured rule must not prevent
// other rules from being evaluated.
func MatchesPattern(events []*schema.SecurityEvent, name string, rule *Rule) bool {
	fn, ok := patternRegistry[name]
	if !ok {
		return false
	}
	return fn(events, rule)
}

// matchFailuresThenSuccess detects an authentication success that follows at
// least three failures for the same user: the classic account-takeover shape.
func matchFailuresThenSuccess(events []*schema.SecurityEvent, _ *Rule) bool {
	failuresByUser := make(map[string][]*schema.SecurityEvent)
	for _, ev := range events {
		if ev.Type == schema.EventAuthFailure && ev.UserID != "" {
			failuresByUser[ev.UserID] = append(failuresByUser[ev.UserID], ev)
		}
	}

	for userID, failures := range failuresByUser {
		if len(failures) < 3 {
			continue
		}
		lastFailure := maxTimestamp(failures)
		for _, ev := range events {
			if ev.Type == schema.EventAuthSuccess && ev.UserID == userID && ev.Timestamp.After(lastFailure) {
				return true
			}
		}
	}
	return false
}

// matchHoneypotThenAttack detects attack traffic (path traversal, SQL
// injection or auth failures) from an IP strictly after that IP's latest
// honeypot trigger: reconnaissance followed by exploitation.
func matchHoneypotThenAttack(events []*schema.SecurityEvent, _ *Rule) bool {
	latestHoneypot := make(map[string]time.Time)
	for _, ev := range events {
		if ev.Type != schema.EventHoneypotTrigger || ev.SourceIP == "" {
			continue
		}
		if ev.Timestamp.After(latestHoneypot[ev.SourceIP]) {
			latestHoneypot[ev.SourceIP] = ev.Timestamp
		}
	}

	for ip, honeypotTime := range latestHoneypot {
		for _, ev := range events {
			if ev.SourceIP != ip || !ev.Timestamp.After(honeypotTime) {
				continue
			}
			switch ev.Type {
			case schema.EventPathTraversal, schema.EventSQLInjection, schema.EventAuthFailure:
				return true
			}
		}
	}
	return false
}

func maxTimestamp(events []*schema.SecurityEvent) time.Time {
	var max time.Time
	for _, ev := range events {
		if ev.Timestamp.After(max) {
			max = ev.Timestamp
		}
	}
	return max
}
