// Package apikey guards operator routes (recovery runs, log exports, failed alerts)
// with static keys sent in the X-API-Key header.
package apikey

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
)

const Header = "X-API-Key"

type contextKey struct{}

// Keys is the set of accepted operator keys. An empty set disables the check.
type Keys struct {
	keys [][]byte
}

func NewKeys(keys []string) Keys {
	var k Keys
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			k.keys = append(k.keys, []byte(key))
		}
	}
	return k
}

func (k Keys) Enabled() bool { return len(k.keys) > 0 }

// match compares against every key so timing does not reveal which one matched.
func (k Keys) match(presented string) bool {
	if presented == "" {
		return false
	}
	p := []byte(presented)
	found := 0
	for _, key := range k.keys {
		found |= subtle.ConstantTimeCompare(p, key)
	}
	return found == 1
}

// RequireOperator rejects requests without a valid key. With no keys configured
// every request passes.
func RequireOperator(keys Keys, fallback zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !keys.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keys.match(strings.TrimSpace(r.Header.Get(Header))) {
				log := logger.FromContext(r.Context(), fallback)
				log.Warn().
					Str("path", r.URL.Path).
					Msg("apikey.operator_rejected")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "operator API key required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, true)))
		})
	}
}

// IsOperator reports whether the request passed RequireOperator with a key.
func IsOperator(ctx context.Context) bool {
	v, _ := ctx.Value(contextKey{}).(bool)
	return v
}
