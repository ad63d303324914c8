package correlation

import (
	"strconv"
	"strings"

	"sentinel-siem/internal/schema"
)

// FormatAlertMessage substitutes %name% placeholders in an alert message
// template. Substitution is literal, case-sensitive and global per
// placeholder; this is deliberately not a general templating language.
func FormatAlertMessage(message string, vars map[string]string) string {
	for key, value := range vars {
		message = strings.ReplaceAll(message, "%"+key+"%", value)
	}
	return message
}

// templateVars builds the placeholder values for a rule firing on a set of
// events. Missing IP/user values render as the literal "unknown"; a rule
// without a time window renders %timeWindow% as "0".
func templateVars(rule *Rule, events []*schema.SecurityEvent) map[string]string {
	sourceIP, userID, username := "unknown", "unknown", "unknown"
	if len(events) > 0 {
		if events[0].SourceIP != "" {
			sourceIP = events[0].SourceIP
		}
		if events[0].UserID != "" {
			userID = events[0].UserID
		}
		if events[0].Username != "" {
			username = events[0].Username
		}
	}

	return map[string]string{
		"count":      strconv.Itoa(len(events)),
		"sourceIp":   sourceIP,
		"userId":     userID,
		"username":   username,
		"timeWindow": strconv.Itoa(int(rule.Conditions.TimeWindow.Minutes())),
	}
}
