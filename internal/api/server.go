package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel-siem/internal/config"
)

// NewRouter builds the service mux with all routes registered and the
// middleware stack applied.
func NewRouter(h *Handler, cfg *config.Config, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("POST /v1/alerts", h.HandleAlert)

	// Rule management
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("POST /v1/rules", h.HandleSaveRule)
	mux.HandleFunc("GET /v1/rules/{id}", h.HandleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", h.HandleSaveRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", h.HandleDeleteRule)

	// Attack triage
	mux.HandleFunc("GET /v1/attacks", h.HandleListAttacks)
	mux.HandleFunc("GET /v1/attacks/{id}", h.HandleGetAttack)
	mux.HandleFunc("POST /v1/attacks/{id}/status", h.HandleUpdateAttackStatus)
	mux.HandleFunc("POST /v1/attacks/{id}/assign", h.HandleAssignAttack)

	// Operations
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return WithMiddleware(mux, cfg)
}
