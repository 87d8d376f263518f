package httpserver

import (
	"net/http"

	"github.com/CedrosPay/entitlements/internal/offline"
)

type offlineVerifyRequest struct {
	ReceiptData string `json:"receiptData"`
}

type networkRestoredResponse struct {
	Flagged      int                   `json:"flagged"`
	Revalidation *offline.Revalidation `json:"revalidation,omitempty"`
}

func (h handlers) verifyOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineVerifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	ok(w, h.Offline.VerifyReceiptOffline(req.ReceiptData))
}

// networkRestored flags the cache and, when a verifier is wired, re-checks pending receipts.
func (h handlers) networkRestored(w http.ResponseWriter, r *http.Request) {
	resp := networkRestoredResponse{Flagged: h.Offline.NotifyNetworkRestoration()}
	if h.Verifier != nil {
		out, err := h.Offline.RevalidatePending(r.Context(), h.Verifier)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Revalidation = &out
	}
	ok(w, resp)
}

func (h handlers) pendingRevalidations(w http.ResponseWriter, r *http.Request) {
	pending := h.Offline.GetPendingRevalidations()
	ok(w, map[string]any{"pending": pending, "count": len(pending)})
}

func (h handlers) offlineStats(w http.ResponseWriter, r *http.Request) {
	ok(w, h.Offline.Stats())
}
