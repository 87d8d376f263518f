package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type accessResponse struct {
	FeatureID string `json:"featureId"`
	Mode      string `json:"mode"`
	Granted   bool   `json:"granted"`
}

func (h handlers) listFeatures(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"features": h.Gating.ListFeatures()})
}

// featureAccess answers 200 either way; denial is a normal outcome, not an error.
func (h handlers) featureAccess(w http.ResponseWriter, r *http.Request) {
	featureID := chi.URLParam(r, "featureId")
	mode := r.URL.Query().Get("mode")
	var granted bool
	switch mode {
	case "", "async":
		mode = "async"
		granted = h.Gating.CanAccess(r.Context(), featureID)
	case "sync":
		granted = h.Gating.CanAccessSync(featureID)
	default:
		badRequest(w, "mode must be sync or async")
		return
	}
	ok(w, accessResponse{FeatureID: featureID, Mode: mode, Granted: granted})
}

func (h handlers) productFeatures(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")
	ok(w, map[string]any{
		"productId": productID,
		"features":  h.Gating.GetUnlockedFeaturesByProduct(productID),
	})
}
