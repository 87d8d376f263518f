// Package reconcile makes the local purchase table match platform history exactly,
// deleting local rows the platform no longer reports.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/billing"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/rs/zerolog"
)

// Result reports one reconciliation pass.
type Result struct {
	NewCount         int       `json:"newCount"`
	UpdatedCount     int       `json:"updatedCount"`
	DeletedCount     int       `json:"deletedCount"`
	FailedOperations int       `json:"failedOperations"`
	ReconciliationAt time.Time `json:"reconciliationAt"`
	Message          string    `json:"message"`
}

// Reconciler is the destructive counterpart of restore.Service.
type Reconciler struct {
	repo    billing.Repository
	store   storage.Store
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sink    errorlog.Sink
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

func WithErrorSink(sink errorlog.Sink) Option { return func(r *Reconciler) { r.sink = sink } }

func NewReconciler(repo billing.Repository, store storage.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:   repo,
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
		sink:   errorlog.NopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcilePurchases upserts platform history (deduplicated, last entry wins) and
// deletes every local row whose transaction ID is absent from it. Per-row failures
// are counted in FailedOperations and never abort the pass.
func (r *Reconciler) ReconcilePurchases(ctx context.Context) (res Result, err error) {
	log := logger.FromContext(ctx, r.logger)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("reconcile.panic_recovered")
			res, err = Result{}, apierrors.FromPanic(rec)
		}
		if err != nil {
			r.metrics.ObserveReconcile(string(apierrors.CodeOf(err)), 0, 0, 0, 0, time.Time{})
			r.sink.LogPurchaseError(err, "", map[string]string{"operation": "reconcile"})
		}
	}()

	history, err := r.repo.RequestAllPurchaseHistory(ctx)
	if err != nil {
		return Result{}, billing.HistoryError(err)
	}
	local, err := r.store.Select(ctx, storage.Filter{})
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.ErrCodeDBError, "local purchases could not be read", err)
	}

	// Dedupe keeping the last occurrence, in first-seen order.
	order := make([]string, 0, len(history))
	latest := make(map[string]purchases.Transaction, len(history))
	for _, tx := range history {
		if err := purchases.ValidateHistoryEntry(tx); err != nil {
			continue
		}
		if _, seen := latest[tx.TransactionID]; !seen {
			order = append(order, tx.TransactionID)
		}
		latest[tx.TransactionID] = tx
	}

	existing := make(map[string]bool, len(local))
	for _, p := range local {
		existing[p.TransactionID] = true
	}

	now := r.now().UTC()
	res.ReconciliationAt = now
	for _, id := range order {
		tx := latest[id]
		short := logger.TruncateID(id)
		if existing[id] {
			patch := storage.MarkSynced(now)
			patch.IsVerified = storage.Bool(true)
			if err := r.store.Update(ctx, id, patch); err != nil {
				res.FailedOperations++
				log.Warn().Err(err).Str("transaction_id", short).Msg("reconcile.update_failed")
				continue
			}
			res.UpdatedCount++
			continue
		}
		if err := r.store.Insert(ctx, purchases.FromHistory(tx, true, now)); err != nil {
			res.FailedOperations++
			log.Warn().Err(err).Str("transaction_id", short).Msg("reconcile.insert_failed")
			continue
		}
		res.NewCount++
	}

	for _, p := range local {
		if _, ok := latest[p.TransactionID]; ok {
			continue
		}
		if err := r.store.Delete(ctx, p.TransactionID); err != nil {
			res.FailedOperations++
			log.Warn().Err(err).Str("transaction_id", logger.TruncateID(p.TransactionID)).Msg("reconcile.delete_failed")
			continue
		}
		res.DeletedCount++
	}

	res.Message = fmt.Sprintf("Reconciled %d purchases: %d new, %d updated, %d removed",
		res.NewCount+res.UpdatedCount, res.NewCount, res.UpdatedCount, res.DeletedCount)
	if res.FailedOperations > 0 {
		res.Message += fmt.Sprintf(", %d failed", res.FailedOperations)
	}

	log.Info().
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount).
		Int("deleted", res.DeletedCount).
		Int("failed", res.FailedOperations).
		Msg("reconcile.completed")
	status := "success"
	if res.FailedOperations > 0 {
		status = "partial"
	}
	r.metrics.ObserveReconcile(status, res.NewCount, res.UpdatedCount, res.DeletedCount, res.FailedOperations, now)
	return res, nil
}
