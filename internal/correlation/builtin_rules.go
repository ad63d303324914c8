package correlation

import (
	"time"

	"sentinel-siem/internal/schema"
)

// BuiltinRules returns the default detection policy seeded at startup.
// Other components depend on these rules by id, so ids and conditions are
// part of the external contract.
func BuiltinRules() []*Rule {
	return []*Rule{
		BruteForceRule(),
		AccountTakeoverRule(),
		ReconThenAttackRule(),
		DistributedScanRule(),
		DataExfiltrationRule(),
	}
}

// BruteForceRule detects repeated failed logins from a single IP address.
func BruteForceRule() *Rule {
	return &Rule{
		ID:          "rule-brute-force",
		Name:        "Authentication Brute Force",
		Description: "Detects multiple failed login attempts from the same IP address",
		Type:        TypeIPBased,
		Enabled:     true,
		Conditions: Conditions{
			EventTypes: []string{schema.EventAuthFailure},
			MinEvents:  5,
			TimeWindow: 5 * time.Minute,
			GroupBy:    []string{GroupBySourceIP},
		},
		Actions: Actions{
			CreateIncident: true,
			IncidentType:   IncidentBruteForce,
			AlertSeverity:  schema.SeverityHigh,
			AlertMessage:   "Brute force attack detected: %count% failed login attempts from IP %sourceIp% in %timeWindow% minutes",
		},
	}
}

// AccountTakeoverRule detects a successful login after a run of failures for
// the same user.
func AccountTakeoverRule() *Rule {
	return &Rule{
		ID:          "rule-account-takeover",
		Name:        "Account Takeover Attempt",
		Description: "Detects successful login from a new location after multiple failed attempts",
		Type:        TypeUserBased,
		Enabled:     true,
		Conditions: Conditions{
			EventTypes:       []string{schema.EventAuthFailure, schema.EventAuthSuccess},
			RequiredPatterns: []string{PatternFailuresThenSuccess},
			TimeWindow:       30 * time.Minute,
			GroupBy:          []string{GroupByUserID},
		},
		Actions: Actions{
			CreateIncident: true,
			IncidentType:   IncidentAccountTakeover,
			AlertSeverity:  schema.SeverityHigh,
			AlertMessage:   "Possible account takeover for user %username%: successful login after multiple failures",
		},
	}
}

// ReconThenAttackRule detects reconnaissance activity followed by
// exploitation attempts from the same IP.
func ReconThenAttackRule() *Rule {
	return &Rule{
		ID:          "rule-recon-then-attack",
		Name:        "Reconnaissance Followed by Attack",
		Description: "Detects reconnaissance activities followed by exploitation attempts",
		Type:        TypeMultiStage,
		Enabled:     true,
		Conditions: Conditions{
			EventTypes: []string{
				schema.EventHoneypotTrigger,
				schema.EventPathTraversal,
				schema.EventSQLInjection,
				schema.EventAuthFailure,
			},
			RequiredPatterns: []string{PatternHoneypotThenAttack},
			TimeWindow:       60 * time.Minute,
			GroupBy:          []string{GroupBySourceIP},
		},
		Actions: Actions{
			CreateIncident: true,
			IncidentType:   IncidentSuspiciousActivity,
			AlertSeverity:  schema.SeverityHigh,
			AlertMessage:   "Multi-stage attack detected from IP %sourceIp%: reconnaissance followed by attack attempts",
		},
	}
}

// DistributedScanRule detects scanning spread across multiple source IPs.
func DistributedScanRule() *Rule {
	return &Rule{
		ID:          "rule-distributed-scan",
		Name:        "Distributed Port/Path Scanning",
		Description: "Detects distributed scanning from multiple IPs in the same subnet",
		Type:        TypeDistributed,
		Enabled:     true,
		Conditions: Conditions{
			EventTypes: []string{schema.EventPathNotFound, schema.EventHoneypotTrigger},
			MinEvents:  20,
			TimeWindow: 15 * time.Minute,
		},
		Actions: Actions{
			CreateIncident: true,
			IncidentType:   IncidentSuspiciousActivity,
			AlertSeverity:  schema.SeverityMedium,
			AlertMessage:   "Distributed scanning detected from multiple related IPs",
		},
	}
}

// DataExfiltrationRule detects unusual volumes of sensitive data access by a
// single user.
func DataExfiltrationRule() *Rule {
	return &Rule{
		ID:          "rule-data-exfiltration",
		Name:        "Potential Data Exfiltration",
		Description: "Detects unusual data access patterns that may indicate exfiltration",
		Type:        TypeBehavioral,
		Enabled:     true,
		Conditions: Conditions{
			EventTypes: []string{schema.EventLargeDataQuery, schema.EventSensitiveAccess},
			MinEvents:  3,
			TimeWindow: 60 * time.Minute,
			GroupBy:    []string{GroupByUserID},
		},
		Actions: Actions{
			CreateIncident: true,
			IncidentType:   IncidentDataExfiltration,
			AlertSeverity:  schema.SeverityHigh,
			AlertMessage:   "Potential data exfiltration by user %username%: unusual access to large amounts of sensitive data",
		},
	}
}
