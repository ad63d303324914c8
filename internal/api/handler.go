// Package api exposes the correlation engine over HTTP: event and alert
// ingestion, rule management, and attack triage.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/attack"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
)

// AttackRecorder persists detected attacks to cold storage.
type AttackRecorder interface {
	WriteAttack(ctx context.Context, a *attack.Attack) error
}

// Handler handles the correlation service HTTP API.
type Handler struct {
	validator  *schema.Validator
	engine     *correlation.Engine
	recorder   AttackRecorder
	metrics    *metrics.Metrics
	strict     bool
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates a new API Handler.
func NewHandler(validator *schema.Validator, engine *correlation.Engine) *Handler {
	return &Handler{
		validator:  validator,
		engine:     engine,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithRecorder sets the attack recorder used to persist detections.
func (h *Handler) WithRecorder(r AttackRecorder) *Handler {
	h.recorder = r
	return h
}

// WithMetrics sets the collectors updated on the ingestion path.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// WithStrictValidation makes event batches all-or-nothing: a single invalid
// event rejects the whole batch instead of producing a partial success.
func (h *Handler) WithStrictValidation(strict bool) *Handler {
	h.strict = strict
	return h
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// IngestRequest is the request body for event ingestion.
type IngestRequest struct {
	Events []EventInput `json:"events"`
}

// EventInput is the input format for security events.
type EventInput struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	AttackIDs []string `json:"attack_ids,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	// Limit request body size
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}

	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var rejected int
	var errors []string
	valid := make([]*schema.SecurityEvent, 0, len(req.Events))

	for i, input := range req.Events {
		event := h.convertInput(input)
		if err := h.validator.Validate(event); err != nil {
			rejected++
			errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			if h.metrics != nil {
				h.metrics.EventsRejected.Inc()
			}
			continue
		}
		valid = append(valid, event)
	}

	// In strict mode one bad event fails the whole batch before anything is
	// processed.
	if h.strict && rejected > 0 {
		respondJSON(w, http.StatusBadRequest, IngestResponse{
			Rejected:  len(req.Events),
			Errors:    errors,
			RequestID: requestID,
		})
		return
	}

	var attackIDs []string
	for _, event := range valid {
		attacks := h.engine.ProcessSecurityEvent(r.Context(), event)
		for _, a := range attacks {
			attackIDs = append(attackIDs, a.ID)
			h.recordAttack(r.Context(), a)
		}
	}
	accepted := len(valid)

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		AttackIDs: attackIDs,
		RequestID: requestID,
	}
	if len(errors) > 0 {
		resp.Errors = errors
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// convertInput converts an EventInput to a canonical SecurityEvent.
func (h *Handler) convertInput(input EventInput) *schema.SecurityEvent {
	event := schema.NewEvent(input.Type, time.Now().UTC())
	if input.ID != "" {
		event.ID = input.ID
	}
	if !input.Timestamp.IsZero() {
		event.Timestamp = input.Timestamp.UTC()
	}
	event.SourceIP = input.SourceIP
	event.UserID = input.UserID
	event.Username = input.Username
	event.Details = input.Details
	return event
}

// HandleAlert handles POST /v1/alerts: alerts raised elsewhere in the
// platform are folded into the event stream.
func (h *Handler) HandleAlert(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	var alert correlation.ExternalAlert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if alert.Type == "" {
		respondError(w, http.StatusBadRequest, "alert type is required", requestID)
		return
	}

	attacks := h.engine.ProcessSecurityAlert(r.Context(), &alert)

	attackIDs := make([]string, 0, len(attacks))
	for _, a := range attacks {
		attackIDs = append(attackIDs, a.ID)
		h.recordAttack(r.Context(), a)
	}

	respondJSON(w, http.StatusOK, IngestResponse{
		Success:   true,
		Accepted:  1,
		AttackIDs: attackIDs,
		RequestID: requestID,
	})
}

// recordAttack persists a detection to cold storage, if configured.
func (h *Handler) recordAttack(ctx context.Context, a *attack.Attack) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.WriteAttack(ctx, a); err != nil {
		slog.Error("failed to record attack", "attack_id", a.ID, "error", err)
	}
}

// HandleListRules handles GET /v1/rules.
func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": h.engine.Rules(),
	})
}

// HandleGetRule handles GET /v1/rules/{id}.
func (h *Handler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	rule := h.engine.Rule(r.PathValue("id"))
	if rule == nil {
		respondError(w, http.StatusNotFound, "rule not found", "")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// HandleSaveRule handles POST /v1/rules and PUT /v1/rules/{id}.
func (h *Handler) HandleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule correlation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "")
		return
	}

	// On PUT the path wins over any ID in the body.
	if id := r.PathValue("id"); id != "" {
		rule.ID = id
	}

	saved, err := h.engine.SaveRule(r.Context(), &rule, actorFrom(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	respondJSON(w, http.StatusOK, saved)
}

// HandleDeleteRule handles DELETE /v1/rules/{id}.
func (h *Handler) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.engine.DeleteRule(r.Context(), id, actorFrom(r)) {
		respondError(w, http.StatusNotFound, "rule not found", "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// HandleListAttacks handles GET /v1/attacks.
func (h *Handler) HandleListAttacks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := attack.Filters{
		Status:   attack.Status(q.Get("status")),
		SourceIP: q.Get("source_ip"),
		UserID:   q.Get("user_id"),
		RuleID:   q.Get("rule_id"),
		Severity: schema.Severity(q.Get("severity")),
	}

	attacks := h.engine.Attacks().GetAll(filters)
	respondJSON(w, http.StatusOK, map[string]any{
		"attacks": attacks,
		"count":   len(attacks),
	})
}

// HandleGetAttack handles GET /v1/attacks/{id}.
func (h *Handler) HandleGetAttack(w http.ResponseWriter, r *http.Request) {
	a := h.engine.Attacks().Get(r.PathValue("id"))
	if a == nil {
		respondError(w, http.StatusNotFound, "attack not found", "")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// StatusUpdateRequest is the request body for attack status changes.
type StatusUpdateRequest struct {
	Status    attack.Status `json:"status"`
	UpdatedBy string        `json:"updated_by"`
	Notes     string        `json:"notes,omitempty"`
}

// HandleUpdateAttackStatus handles POST /v1/attacks/{id}/status.
func (h *Handler) HandleUpdateAttackStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "")
		return
	}

	if req.UpdatedBy == "" {
		req.UpdatedBy = actorFrom(r)
	}

	if !h.engine.UpdateAttackStatus(r.Context(), id, req.Status, req.UpdatedBy, req.Notes) {
		respondError(w, http.StatusConflict, "status update rejected", "")
		return
	}

	respondJSON(w, http.StatusOK, h.engine.Attacks().Get(id))
}

// AssignRequest is the request body for attack assignment.
type AssignRequest struct {
	AssignedTo string `json:"assigned_to"`
	AssignedBy string `json:"assigned_by,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// HandleAssignAttack handles POST /v1/attacks/{id}/assign.
func (h *Handler) HandleAssignAttack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "")
		return
	}

	if req.AssignedTo == "" {
		respondError(w, http.StatusBadRequest, "assigned_to is required", "")
		return
	}
	if req.AssignedBy == "" {
		req.AssignedBy = actorFrom(r)
	}

	if !h.engine.AssignAttack(r.Context(), id, req.AssignedTo, req.AssignedBy, req.Notes) {
		respondError(w, http.StatusConflict, "assignment rejected", "")
		return
	}

	respondJSON(w, http.StatusOK, h.engine.Attacks().Get(id))
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	stats["uptime_seconds"] = int(time.Since(h.startTime).Seconds())
	respondJSON(w, http.StatusOK, stats)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// actorFrom extracts the acting operator from the request, falling back to a
// generic API actor.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}
