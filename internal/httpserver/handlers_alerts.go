package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
)

// failedAlerts lists anomaly alerts the webhook never accepted, oldest first.
func (h handlers) failedAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := h.AlertDLQ.ListFailedDeliveries(r.Context(), limit)
	if err != nil {
		h.fail(w, r, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "failed alerts unavailable", err))
		return
	}
	ok(w, map[string]any{"alerts": list, "count": len(list)})
}

func (h handlers) dropFailedAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.AlertDLQ.DeleteFailedDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, apierrors.Wrap(apierrors.ErrCodeFileWriteError, "failed alert not removed", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
