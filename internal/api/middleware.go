package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"sentinel-siem/internal/config"
)

// openPaths are reachable without an API key so probes and scrapers work
// before credentials are provisioned.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// WithMiddleware wraps the handler with the service middleware stack:
// recovery innermost, then request logging, rate limiting, and API key auth
// outermost.
func WithMiddleware(handler http.Handler, cfg *config.Config) http.Handler {
	chain := []func(http.Handler) http.Handler{
		recoverPanics,
		logRequests,
	}
	if cfg.RateLimit.Enabled {
		limiter := newRateLimiter(cfg.RateLimit)
		chain = append(chain, limiter.middleware)
	}
	if cfg.Auth.Enabled {
		chain = append(chain, requireAPIKey(cfg.Auth))
	}

	h := handler
	for _, wrap := range chain {
		h = wrap(h)
	}
	return h
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// requireAPIKey rejects requests whose key header does not match a configured
// key. Comparison is constant-time per candidate key.
func requireAPIKey(authCfg config.AuthConfig) func(http.Handler) http.Handler {
	header := authCfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	keys := make([][]byte, len(authCfg.APIKeys))
	for i, k := range authCfg.APIKeys {
		keys[i] = []byte(k)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			presented := []byte(r.Header.Get(header))
			if len(presented) == 0 {
				denyJSON(w, http.StatusUnauthorized, "missing API key")
				return
			}
			for _, k := range keys {
				if subtle.ConstantTimeCompare(presented, k) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			denyJSON(w, http.StatusUnauthorized, "invalid API key")
		})
	}
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("panic recovered", "error", v, "method", r.Method, "path", r.URL.Path)
				denyJSON(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func denyJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
