package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/auth"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
)

const (
	HeaderKey    = "Idempotency-Key"
	ReplayHeader = "X-Idempotency-Replay"

	DefaultTTL = 24 * time.Hour

	maxBodyBytes = 1 << 20
)

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays 2xx responses for a repeated key. Keys are scoped by user,
// method and path. Reusing a key with a different body is rejected, and a second
// request arriving while the first is still running gets REQUEST_IN_PROGRESS.
func Middleware(store Store, ttl time.Duration, fallback zerolog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			log := logger.FromContext(ctx, fallback)

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			key := scopedKey(r, raw)
			if cached, ok := store.Get(ctx, key); ok {
				if cached.Fingerprint != fingerprint {
					apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "idempotency key was used with a different request")
					return
				}
				log.Debug().Str("idempotency_key", logger.TruncateID(raw)).Msg("idempotency.replayed")
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			if !store.Claim(ctx, key) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeRequestInFlight, "a request with this idempotency key is still running")
				return
			}
			defer store.Release(ctx, key)

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}

			headers := make(map[string]string, len(w.Header()))
			for k := range w.Header() {
				headers[k] = w.Header().Get(k)
			}
			resp := &Response{
				StatusCode:  rec.status,
				Headers:     headers,
				Body:        rec.body.Bytes(),
				Fingerprint: fingerprint,
				CachedAt:    time.Now(),
			}
			if err := store.Set(ctx, key, resp, ttl); err != nil {
				log.Warn().Err(err).Msg("idempotency.store_failed")
			}
		})
	}
}

func scopedKey(r *http.Request, raw string) string {
	user, _ := auth.UserID(r.Context())
	return user + ":" + r.Method + ":" + r.URL.Path + ":" + raw
}
