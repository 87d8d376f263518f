package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CedrosPay/entitlements/internal/auth"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/go-chi/httprate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool

	// Global rate limiting (across all clients)
	GlobalLimit  int
	GlobalWindow time.Duration

	// Per-client limit for restore and reconcile, keyed by user, falling back to IP
	RestoreLimit  int
	RestoreWindow time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns the limits used when nothing is configured.
// Restore hits the platform billing history, so it is kept tight.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,
		RestoreLimit:  5,
		RestoreWindow: time.Minute,
	}
}

// FromConfig converts the daemon configuration.
func FromConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		Enabled:       cfg.Enabled,
		GlobalLimit:   cfg.GlobalLimit,
		GlobalWindow:  cfg.GlobalWindow.Duration,
		RestoreLimit:  cfg.RestoreLimit,
		RestoreWindow: cfg.RestoreWindow.Duration,
		Metrics:       m,
	}
}

func createRateLimitHandler(route string, window time.Duration, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	seconds := int(window.Seconds())
	return func(w http.ResponseWriter, r *http.Request) {
		metricsCollector.ObserveRateLimit(route)

		message := "Rate limit exceeded. Please try again later."
		if route != "global" {
			message = fmt.Sprintf("Too many %s requests. Please wait before trying again.", route)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: seconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter caps total request throughput.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(createRateLimitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// RouteLimiter limits one user-triggered route per client. Each call builds an
// independent counter, so restore and reconcile do not share a budget.
func RouteLimiter(route string, cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RestoreLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.RestoreLimit,
		cfg.RestoreWindow,
		httprate.WithKeyFuncs(clientKey),
		httprate.WithLimitHandler(createRateLimitHandler(route, cfg.RestoreWindow, cfg.Metrics)),
	)
}

// clientKey prefers the authenticated user so clients behind one NAT don't share a budget.
func clientKey(r *http.Request) (string, error) {
	if userID, ok := auth.UserID(r.Context()); ok {
		return "user:" + userID, nil
	}
	return httprate.KeyByIP(r)
}
