package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/pkg/responders"
)

type purchaseRequest struct {
	ProductID string `json:"productId"`
}

type verifyRequest struct {
	Transaction purchases.Transaction `json:"transaction"`
}

type restoreResponse struct {
	RestoredCount int    `json:"restoredCount"`
	NewCount      int    `json:"newCount"`
	UpdatedCount  int    `json:"updatedCount"`
	Message       string `json:"message"`
}

func (h handlers) purchaseProduct(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	p, err := h.Purchases.PurchaseProduct(r.Context(), req.ProductID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	responders.JSON(w, http.StatusCreated, p)
}

func (h handlers) verifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	p, err := h.Purchases.VerifyAndSavePurchase(r.Context(), req.Transaction)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, p)
}

func (h handlers) activePurchases(w http.ResponseWriter, r *http.Request) {
	list, err := h.Purchases.GetActivePurchases(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"purchases": list, "count": len(list)})
}

func (h handlers) getPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.Purchases.GetPurchase(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if p == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "purchase not found")
		return
	}
	ok(w, p)
}

func (h handlers) restorePurchases(w http.ResponseWriter, r *http.Request) {
	res, err := h.Restore.RestorePurchases(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, restoreResponse{
		RestoredCount: res.RestoredCount,
		NewCount:      res.NewCount,
		UpdatedCount:  res.UpdatedCount,
		Message:       res.Message(),
	})
}

func (h handlers) reconcilePurchases(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reconcile.ReconcilePurchases(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, res)
}

func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	body := map[string]any{
		"uptime": time.Since(serverStartTime).Round(time.Second).String(),
	}
	if h.Recovery != nil {
		c := h.Recovery.DetectDBCorruption(r.Context())
		body["database"] = c
		if c.IsCorrupted {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if h.Restore != nil {
		body["restoreInFlight"] = h.Restore.InFlight()
	}
	body["status"] = status
	responders.JSON(w, code, body)
}
