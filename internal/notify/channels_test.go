package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/schema"
)

func TestWebhookChannelSend(t *testing.T) {
	var received *correlation.Alert
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("webhook", srv.URL, map[string]string{"Authorization": "Bearer secret"})
	if ch.Name() != "webhook" {
		t.Errorf("Name() = %q, want webhook", ch.Name())
	}

	alert := &correlation.Alert{
		Severity: schema.SeverityHigh,
		Type:     correlation.AlertTypeCorrelation,
		Message:  "Brute force attack detected",
		SourceIP: "10.0.0.1",
	}
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if received == nil {
		t.Fatal("webhook endpoint received no payload")
	}
	if received.Message != alert.Message || received.SourceIP != alert.SourceIP {
		t.Errorf("received %+v, want %+v", received, alert)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, custom header not applied", gotAuth)
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("webhook", srv.URL, nil)
	if err := ch.Send(context.Background(), &correlation.Alert{}); err == nil {
		t.Error("Send = nil error for 503 response")
	}
}

func TestWebhookChannelConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	ch := NewWebhookChannel("webhook", srv.URL, nil)
	if err := ch.Send(context.Background(), &correlation.Alert{}); err == nil {
		t.Error("Send = nil error against a closed server")
	}
}

func TestIncidentClientCreateIncident(t *testing.T) {
	var received *correlation.IncidentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/incidents" {
			t.Errorf("path = %s, want /v1/incidents", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token-123" {
			t.Errorf("Authorization = %q, want bearer token", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "inc-777"})
	}))
	defer srv.Close()

	client := NewIncidentClient(IncidentClientConfig{BaseURL: srv.URL, Token: "token-123"})
	id, err := client.CreateIncident(context.Background(), &correlation.IncidentRequest{
		Type:        correlation.IncidentBruteForce,
		Severity:    schema.SeverityHigh,
		Description: "Brute force attack detected",
		SourceIP:    "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if id != "inc-777" {
		t.Errorf("id = %q, want inc-777", id)
	}
	if received == nil || received.Type != correlation.IncidentBruteForce {
		t.Errorf("tracker received %+v, want brute_force incident", received)
	}
}

func TestIncidentClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-2xx response",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "forbidden", http.StatusForbidden)
			},
		},
		{
			name: "empty incident id",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"id": ""})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := NewIncidentClient(IncidentClientConfig{BaseURL: srv.URL})
			if _, err := client.CreateIncident(context.Background(), &correlation.IncidentRequest{Type: "x"}); err == nil {
				t.Error("CreateIncident = nil error, want failure")
			}
		})
	}
}
