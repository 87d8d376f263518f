package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/storage"
)

func (h handlers) userPurchaseHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !h.Authz.CanAccessPurchaseHistory(r.Context(), userID) {
		denied(w, r)
		return
	}
	if h.Store == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDBError, "purchase store unavailable")
		return
	}
	rows, err := h.Store.Select(r.Context(), storage.Filter{})
	if err != nil {
		h.fail(w, r, apierrors.Wrap(apierrors.ErrCodeDBError, "purchase history unavailable", err))
		return
	}
	ok(w, map[string]any{"userId": userID, "purchases": rows, "count": len(rows)})
}

func (h handlers) deleteUserPurchases(w http.ResponseWriter, r *http.Request) {
	if !h.Authz.CanDeleteAllPurchaseData(r.Context(), chi.URLParam(r, "userId")) {
		denied(w, r)
		return
	}
	res, err := h.Privacy.DeleteUserAllPurchaseData(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, res)
}

func (h handlers) deleteUserPurchase(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionId")
	if !h.Authz.CanDeletePurchase(r.Context(), chi.URLParam(r, "userId"), transactionID) {
		denied(w, r)
		return
	}
	if err := h.Privacy.DeletePurchase(r.Context(), transactionID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
