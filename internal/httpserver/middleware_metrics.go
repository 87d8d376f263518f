package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
)

// metricsAuth protects /metrics with a bearer key. No key means open access.
func metricsAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "invalid or missing metrics API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
