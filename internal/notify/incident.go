package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sentinel-siem/internal/correlation"
)

// IncidentClient opens incidents in the external incident tracking system
// over HTTP. It implements the engine's IncidentCreator contract.
type IncidentClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// IncidentClientConfig holds incident tracker settings.
type IncidentClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewIncidentClient creates an incident tracker client.
func NewIncidentClient(cfg IncidentClientConfig) *IncidentClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IncidentClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

type incidentResponse struct {
	ID string `json:"id"`
}

// CreateIncident posts the incident request and returns the created
// incident's id.
func (c *IncidentClient) CreateIncident(ctx context.Context, req *correlation.IncidentRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal incident: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/incidents", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("incident request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("incident tracker returned %d: %s", resp.StatusCode, string(body))
	}

	var out incidentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode incident response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("incident tracker returned empty id")
	}
	return out.ID, nil
}
