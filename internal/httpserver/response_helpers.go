package httpserver

import (
	"net/http"

	"github.com/CedrosPay/entitlements/internal/auth"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/pkg/responders"
)

// fail logs err at a level matching its status and writes the standard error body.
func (h handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apierrors.CodeOf(err)
	log := logger.FromContext(r.Context(), h.Logger)
	if code.HTTPStatus() >= 500 {
		log.Error().Err(err).Str("code", string(code)).Msg("http.request_failed")
	} else {
		log.Debug().Err(err).Str("code", string(code)).Msg("http.request_rejected")
	}
	apierrors.WriteFromError(w, err)
}

func badRequest(w http.ResponseWriter, message string) {
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, message)
}

// denied distinguishes a missing login from a wrong user.
func denied(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserID(r.Context()); !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "authentication required")
		return
	}
	apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "not allowed for this user")
}

func ok(w http.ResponseWriter, payload any) {
	responders.JSON(w, http.StatusOK, payload)
}
