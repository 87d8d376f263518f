package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

type exportRequest struct {
	From     *time.Time            `json:"from,omitempty"`
	To       *time.Time            `json:"to,omitempty"`
	Codes    []apierrors.ErrorCode `json:"codes,omitempty"`
	Platform purchases.Platform    `json:"platform,omitempty"`
	Share    bool                  `json:"share,omitempty"`
}

type exportResponse struct {
	errorlog.ExportResult
	SharedURL string `json:"sharedUrl,omitempty"`
}

func (h handlers) exportLogs(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	opts := errorlog.ExportOptions{Codes: req.Codes, Platform: req.Platform}
	if req.From != nil {
		opts.From = *req.From
	}
	if req.To != nil {
		opts.To = *req.To
	}

	res, err := h.Exporter.Export(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := exportResponse{ExportResult: res}
	if req.Share {
		url, err := h.Exporter.Share(r.Context(), res.FileName)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.SharedURL = url
	}
	ok(w, resp)
}

func (h handlers) listExports(w http.ResponseWriter, r *http.Request) {
	list, err := h.Exporter.ListExports()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, map[string]any{"exports": list})
}

func (h handlers) deleteExport(w http.ResponseWriter, r *http.Request) {
	if err := h.Exporter.DeleteExport(chi.URLParam(r, "fileName")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handlers) logSummary(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{
		"summary":   h.Monitor.Summary(),
		"anomalies": h.Monitor.DetectAnomalies(),
	})
}
