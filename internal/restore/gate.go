package restore

import (
	"context"
	"sync/atomic"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
)

// ErrRestoreInProgress is returned by Gate while another restore is running.
var ErrRestoreInProgress = apierrors.New(apierrors.ErrCodeRestoreInFlight, "a restore is already in progress")

// Gate lets one restore run at a time and rejects overlapping calls instead of queueing them.
type Gate struct {
	next    Restorer
	running atomic.Bool
}

func NewGate(next Restorer) *Gate {
	return &Gate{next: next}
}

func (g *Gate) RestorePurchases(ctx context.Context) (Result, error) {
	if !g.running.CompareAndSwap(false, true) {
		return Result{}, ErrRestoreInProgress
	}
	defer g.running.Store(false)
	return g.next.RestorePurchases(ctx)
}

// InFlight reports whether a restore is currently running.
func (g *Gate) InFlight() bool {
	return g.running.Load()
}
