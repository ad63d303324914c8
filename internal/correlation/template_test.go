package correlation

import (
	"testing"
	"time"

	"sentinel-siem/internal/schema"
)

func TestFormatAlertMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		vars    map[string]string
		want    string
	}{
		{
			name:    "single placeholder",
			message: "attack from %sourceIp%",
			vars:    map[string]string{"sourceIp": "1.2.3.4"},
			want:    "attack from 1.2.3.4",
		},
		{
			name:    "repeated placeholder is replaced globally",
			message: "%count% events, count=%count%",
			vars:    map[string]string{"count": "5"},
			want:    "5 events, count=5",
		},
		{
			name:    "unknown placeholder is left intact",
			message: "user %userId% did %something%",
			vars:    map[string]string{"userId": "u-1"},
			want:    "user u-1 did %something%",
		},
		{
			name:    "no placeholders",
			message: "static message",
			vars:    map[string]string{"count": "5"},
			want:    "static message",
		},
		{
			name:    "empty message",
			message: "",
			vars:    map[string]string{"count": "5"},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatAlertMessage(tt.message, tt.vars)
			if got != tt.want {
				t.Errorf("FormatAlertMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTemplateVars(t *testing.T) {
	rule := &Rule{
		Conditions: Conditions{TimeWindow: 5 * time.Minute},
	}
	events := []*schema.SecurityEvent{
		{ID: "a", SourceIP: "1.2.3.4", UserID: "u-1", Username: "alice"},
		{ID: "b", SourceIP: "5.6.7.8", UserID: "u-2", Username: "bob"},
	}

	vars := templateVars(rule, events)

	want := map[string]string{
		"count":      "2",
		"sourceIp":   "1.2.3.4",
		"userId":     "u-1",
		"username":   "alice",
		"timeWindow": "5",
	}
	for key, value := range want {
		if vars[key] != value {
			t.Errorf("vars[%q] = %q, want %q", key, vars[key], value)
		}
	}
}

func TestTemplateVarsFallbacks(t *testing.T) {
	rule := &Rule{}
	events := []*schema.SecurityEvent{{ID: "a"}}

	vars := templateVars(rule, events)

	if vars["sourceIp"] != "unknown" || vars["userId"] != "unknown" || vars["username"] != "unknown" {
		t.Errorf("missing identity fields should render as unknown, got %v", vars)
	}
	if vars["timeWindow"] != "0" {
		t.Errorf("vars[timeWindow] = %q, want 0 for an unbounded rule", vars["timeWindow"])
	}
}

func TestTemplateVarsEmptyEvents(t *testing.T) {
	vars := templateVars(&Rule{}, nil)
	if vars["count"] != "0" {
		t.Errorf("vars[count] = %q, want 0", vars["count"])
	}
	if vars["sourceIp"] != "unknown" {
		t.Errorf("vars[sourceIp] = %q, want unknown", vars["sourceIp"])
	}
}
