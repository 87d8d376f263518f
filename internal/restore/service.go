// Package restore pulls the platform purchase history into the local store. It is
// additive only: rows missing from the history are left alone.
package restore

import (
	"context"
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

// Result reports what a restore did. RestoredCount is the number of history
// entries returned by the platform, including ones skipped as malformed.
type Result struct {
	RestoredCount int `json:"restoredCount"`
	NewCount      int `json:"newCount"`
	UpdatedCount  int `json:"updatedCount"`
}

// Message is the informational text shown after a restore.
func (r Result) Message() string {
	if r.RestoredCount == 0 {
		return "No purchases to restore."
	}
	return ""
}

// Restorer is implemented by Service and Gate.
type Restorer interface {
	RestorePurchases(ctx context.Context) (Result, error)
}

// Service restores purchases from platform history.
type Service struct {
	repo    billing.Repository
	store   storage.Store
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sink    errorlog.Sink
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithErrorSink(sink errorlog.Sink) Option { return func(s *Service) { s.sink = sink } }

func NewService(repo billing.Repository, store storage.Store, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
		sink:   errorlog.NopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RestorePurchases upserts every well-formed history entry: existing rows are marked
// synced, missing ones are inserted as verified and synced. Running it again with
// the same history inserts nothing.
func (s *Service) RestorePurchases(ctx context.Context) (res Result, err error) {
	log := logger.FromContext(ctx, s.logger)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("restore.panic_recovered")
			res, err = Result{}, apierrors.FromPanic(r)
		}
		if err != nil {
			s.metrics.ObserveRestore(string(apierrors.CodeOf(err)), 0, 0, 0)
			s.sink.LogPurchaseError(err, "", map[string]string{"operation": "restore"})
		}
	}()

	history, err := s.repo.RequestAllPurchaseHistory(ctx)
	if err != nil {
		return Result{}, billing.HistoryError(err)
	}

	local, err := s.store.Select(ctx, storage.Filter{})
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.ErrCodeDBError, "local purchases could not be read", err)
	}
	existing := make(map[string]bool, len(local))
	for _, p := range local {
		existing[p.TransactionID] = true
	}

	res.RestoredCount = len(history)
	skipped := 0
	now := s.now().UTC()
	for _, tx := range history {
		if err := purchases.ValidateHistoryEntry(tx); err != nil {
			skipped++
			continue
		}
		id := logger.TruncateID(tx.TransactionID)

		if existing[tx.TransactionID] {
			if err := s.store.Update(ctx, tx.TransactionID, storage.MarkSynced(now)); err != nil {
				skipped++
				log.Warn().Err(err).Str("transaction_id", id).Msg("restore.update_failed")
				continue
			}
			res.UpdatedCount++
			continue
		}

		if err := s.store.Insert(ctx, purchases.FromHistory(tx, true, now)); err != nil {
			skipped++
			log.Warn().Err(err).Str("transaction_id", id).Msg("restore.insert_failed")
			continue
		}
		existing[tx.TransactionID] = true
		res.NewCount++
	}

	log.Info().
		Int("restored", res.RestoredCount).
		Int("new", res.NewCount).
		Int("updated", res.UpdatedCount).
		Int("skipped", skipped).
		Msg("restore.completed")
	s.metrics.ObserveRestore("success", res.NewCount, res.UpdatedCount, skipped)
	return res, nil
}
