package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if cfg.GlobalLimit != 1000 {
		t.Errorf("Expected global limit 1000, got %d", cfg.GlobalLimit)
	}
	if cfg.RestoreLimit != 5 {
		t.Errorf("Expected restore limit 5, got %d", cfg.RestoreLimit)
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{Enabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	handler := GlobalLimiter(Config{Enabled: true, GlobalLimit: 5, GlobalWindow: time.Minute})(okHandler())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}
}

func TestRouteLimiter_PerClient(t *testing.T) {
	handler := RouteLimiter("restore", Config{Enabled: true, RestoreLimit: 1, RestoreWindow: time.Minute})(okHandler())

	send := func(remote, user string) int {
		req := httptest.NewRequest("POST", "/v1/purchases/restore", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(auth.WithUserID(req.Context(), user))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("10.0.0.1:1234", ""); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("10.0.0.1:1234", ""); code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP should be limited, got %d", code)
	}
	if code := send("10.0.0.2:1234", ""); code != http.StatusOK {
		t.Fatalf("other IP should have its own budget, got %d", code)
	}
	if code := send("10.0.0.1:1234", "alice"); code != http.StatusOK {
		t.Fatalf("authenticated user is keyed separately, got %d", code)
	}
	if code := send("10.0.0.3:1234", "alice"); code != http.StatusTooManyRequests {
		t.Fatalf("user budget should follow the user across IPs, got %d", code)
	}
}

func TestRouteLimiter_IndependentRoutes(t *testing.T) {
	cfg := Config{Enabled: true, RestoreLimit: 1, RestoreWindow: time.Minute}
	restore := RouteLimiter("restore", cfg)(okHandler())
	reconcile := RouteLimiter("reconcile", cfg)(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/", nil)
		r.RemoteAddr = "10.0.0.9:1"
		return r
	}
	w := httptest.NewRecorder()
	restore.ServeHTTP(w, req())
	w2 := httptest.NewRecorder()
	reconcile.ServeHTTP(w2, req())
	if w.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("routes should not share a budget: %d %d", w.Code, w2.Code)
	}
}
