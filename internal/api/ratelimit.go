package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel-siem/internal/config"
)

// rateLimiter enforces a fixed-window per-IP request budget. Windows are
// pruned lazily on the request path, so no background goroutine is needed.
type rateLimiter struct {
	cfg    config.RateLimitConfig
	exempt map[string]bool

	mu        sync.Mutex
	windows   map[string]*ipWindow
	lastPrune time.Time
}

type ipWindow struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	return &rateLimiter{
		cfg:       cfg,
		exempt:    exempt,
		windows:   make(map[string]*ipWindow),
		lastPrune: time.Now(),
	}
}

// limit returns the per-window budget including the allowed burst.
func (rl *rateLimiter) limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// take consumes one slot for ip. It reports whether the request is allowed,
// how many slots remain, and when the current window resets.
func (rl *rateLimiter) take(ip string, now time.Time) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.cfg.CleanupPeriod > 0 && now.Sub(rl.lastPrune) >= rl.cfg.CleanupPeriod {
		rl.prune(now)
	}

	win := rl.windows[ip]
	if win == nil || now.After(win.resetAt) {
		win = &ipWindow{resetAt: now.Add(rl.cfg.WindowSize)}
		rl.windows[ip] = win
	}

	if win.count >= rl.limit() {
		return false, 0, win.resetAt
	}
	win.count++
	return true, rl.limit() - win.count, win.resetAt
}

// prune drops windows stale for more than one full window. Caller holds mu.
func (rl *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.cfg.WindowSize)
	dropped := 0
	for ip, win := range rl.windows {
		if win.resetAt.Before(cutoff) {
			delete(rl.windows, ip)
			dropped++
		}
	}
	rl.lastPrune = now
	if dropped > 0 {
		slog.Debug("rate limiter pruned stale windows", "dropped", dropped, "tracked", len(rl.windows))
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, resetAt := rl.take(ip, now)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(resetAt.Sub(now).Seconds()) + 1
			slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"success":false,"error":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address, honoring proxy headers only when the
// deployment says the proxy is trusted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
