package httpserver

import (
	"net/http"

	"github.com/CedrosPay/entitlements/internal/recovery"
	"github.com/CedrosPay/entitlements/pkg/responders"
)

type recoveryRunResponse struct {
	Result     recovery.Result     `json:"result"`
	Validation recovery.Validation `json:"validation"`
}

func (h handlers) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	ok(w, h.Recovery.GetRecoveryStatus(r.Context()))
}

// runRecovery performs the startup recovery on demand and reports its structural check.
func (h handlers) runRecovery(w http.ResponseWriter, r *http.Request) {
	res, err := h.Recovery.AutoRecoverOnStartup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, recoveryRunResponse{Result: res, Validation: recovery.ValidateRecovery(res)})
}
