// Package auth verifies bearer tokens and carries the current user on the request context.
package auth

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var ErrInvalidToken = stderrors.New("auth: invalid token")

// Claims is the token payload. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 tokens issued for this service.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for userID. Used by operators and tests.
func (v *TokenVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns its subject.
func (v *TokenVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Middleware authenticates "Authorization: Bearer" requests. A bad token is always rejected;
// a missing one is rejected only when required is set.
func Middleware(v *TokenVerifier, required bool, fallback zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "bearer token required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || v == nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "bearer token required")
				return
			}
			userID, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				log := logger.FromContext(r.Context(), fallback)
				log.Debug().Err(err).Msg("auth.token_rejected")
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "invalid bearer token")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			log := logger.FromContext(ctx, fallback).With().Str("user_id", logger.TruncateID(userID)).Logger()
			ctx = logger.WithContext(ctx, log)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
