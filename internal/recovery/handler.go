// Package recovery detects a faulted purchase table and rebuilds it from platform history.
package recovery

import (
	"context"
	stderrors "errors"
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

// ErrorInfo captures the read failure that marked the table corrupted.
type ErrorInfo struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Corruption is the outcome of a health check.
type Corruption struct {
	IsCorrupted bool       `json:"isCorrupted"`
	ErrorInfo   *ErrorInfo `json:"errorInfo,omitempty"`
}

// Result describes one attempt to read platform history for recovery.
type Result struct {
	Success                 bool     `json:"success"`
	RecoveredCount          int      `json:"recoveredCount"`
	RecoveredTransactionIDs []string `json:"recoveredTransactionIds"`
	Error                   string   `json:"error,omitempty"`

	// Transactions are the deduplicated history entries behind RecoveredTransactionIDs.
	Transactions []purchases.Transaction `json:"-"`
}

// Reconstruction counts row writes made while rebuilding the table.
type Reconstruction struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Validation is the structural check of a Result.
type Validation struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// Status is a read-only snapshot for operators.
type Status struct {
	Corruption        Corruption `json:"corruption"`
	RecoveryAttempted bool       `json:"recoveryAttempted"`
	Recovery          *Result    `json:"recovery,omitempty"`
	CheckedAt         time.Time  `json:"checkedAt"`
}

type Handler struct {
	repo    billing.Repository
	store   storage.Store
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sink    errorlog.Sink
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

func WithErrorSink(sink errorlog.Sink) Option { return func(h *Handler) { h.sink = sink } }

func NewHandler(repo billing.Repository, store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		repo:   repo,
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
		sink:   errorlog.NopSink{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DetectDBCorruption issues a trivial read of the purchase table. Any failure, including a
// panic inside the driver, marks the table corrupted. Zero rows is healthy.
func (h *Handler) DetectDBCorruption(ctx context.Context) (c Corruption) {
	log := logger.FromContext(ctx, h.logger)
	defer func() {
		if rec := recover(); rec != nil {
			c = h.corrupted(fmt.Sprint(rec))
		}
		h.metrics.SetCorrupted(c.IsCorrupted)
		if c.IsCorrupted {
			log.Error().Str("error", c.ErrorInfo.Error).Msg("recovery.corruption_detected")
		}
	}()

	if _, err := h.store.Select(ctx, storage.Filter{IsSynced: storage.Bool(true)}); err != nil {
		return h.corrupted(err.Error())
	}
	return Corruption{}
}

func (h *Handler) corrupted(msg string) Corruption {
	return Corruption{IsCorrupted: true, ErrorInfo: &ErrorInfo{Error: msg, Timestamp: h.now().UTC()}}
}

// RecoverFromTransactionHistory reads platform history, keeps the first occurrence of each
// transaction ID and discards entries without a transaction or product ID. Platform failures
// are returned to the caller.
func (h *Handler) RecoverFromTransactionHistory(ctx context.Context) (Result, error) {
	history, err := h.repo.RequestAllPurchaseHistory(ctx)
	if err != nil {
		mapped := billing.HistoryError(err)
		h.sink.LogPurchaseError(mapped, "", map[string]string{"operation": "recovery"})
		return Result{Success: false, RecoveredTransactionIDs: []string{}, Error: mapped.Error()}, mapped
	}

	seen := make(map[string]struct{}, len(history))
	res := Result{Success: true, RecoveredTransactionIDs: make([]string, 0, len(history))}
	for _, tx := range history {
		if tx.TransactionID == "" || tx.ProductID == "" {
			continue
		}
		if _, dup := seen[tx.TransactionID]; dup {
			continue
		}
		seen[tx.TransactionID] = struct{}{}
		res.RecoveredTransactionIDs = append(res.RecoveredTransactionIDs, tx.TransactionID)
		res.Transactions = append(res.Transactions, tx)
	}
	res.RecoveredCount = len(res.RecoveredTransactionIDs)
	return res, nil
}

// ReconstructMissingRecords writes history entries back into the table. Missing rows are
// inserted unverified and synced; existing rows are only touched when they were unsynced.
// A failing row is logged and skipped.
func (h *Handler) ReconstructMissingRecords(ctx context.Context, history []purchases.Transaction) Reconstruction {
	log := logger.FromContext(ctx, h.logger)
	now := h.now().UTC()
	var out Reconstruction

	for _, tx := range history {
		short := logger.TruncateID(tx.TransactionID)
		row, err := h.store.Get(ctx, tx.TransactionID)
		switch {
		case err == nil && row.IsSynced:
			out.Unchanged++
		case err == nil:
			if err := h.store.Update(ctx, tx.TransactionID, storage.MarkSynced(now)); err != nil {
				out.Failed++
				log.Warn().Err(err).Str("transaction_id", short).Msg("recovery.update_failed")
				continue
			}
			out.Updated++
		case stderrors.Is(err, storage.ErrNotFound):
			if err := h.store.Insert(ctx, purchases.FromHistory(tx, false, now)); err != nil {
				out.Failed++
				log.Warn().Err(err).Str("transaction_id", short).Msg("recovery.insert_failed")
				continue
			}
			out.Inserted++
		default:
			out.Failed++
			log.Warn().Err(err).Str("transaction_id", short).Msg("recovery.lookup_failed")
		}
	}

	h.metrics.ObserveReconstruction(out.Inserted, out.Updated, out.Failed)
	log.Info().
		Int("inserted", out.Inserted).
		Int("updated", out.Updated).
		Int("failed", out.Failed).
		Msg("recovery.reconstruction_completed")
	return out
}

// ValidateRecovery checks a Result for internal consistency.
func ValidateRecovery(r Result) Validation {
	v := Validation{Errors: []string{}}
	if r.RecoveredCount != len(r.RecoveredTransactionIDs) {
		v.Errors = append(v.Errors, fmt.Sprintf("recoveredCount %d does not match %d transaction ids",
			r.RecoveredCount, len(r.RecoveredTransactionIDs)))
	}
	seen := make(map[string]struct{}, len(r.RecoveredTransactionIDs))
	for i, id := range r.RecoveredTransactionIDs {
		if id == "" {
			v.Errors = append(v.Errors, fmt.Sprintf("transaction id at index %d is empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			v.Errors = append(v.Errors, fmt.Sprintf("duplicate transaction id %s", id))
			continue
		}
		seen[id] = struct{}{}
	}
	v.IsValid = len(v.Errors) == 0
	return v
}

// GetRecoveryStatus checks the table and, when it is corrupted, tries to read platform
// history. It never writes rows.
func (h *Handler) GetRecoveryStatus(ctx context.Context) Status {
	st := Status{Corruption: h.DetectDBCorruption(ctx), CheckedAt: h.now().UTC()}
	if !st.Corruption.IsCorrupted {
		return st
	}
	res, _ := h.RecoverFromTransactionHistory(ctx)
	st.RecoveryAttempted = true
	st.Recovery = &res
	return st
}

// AutoRecoverOnStartup returns immediately when the table is healthy. Otherwise it recovers
// platform history and reconstructs rows; reconstruction failures do not fail the recovery.
func (h *Handler) AutoRecoverOnStartup(ctx context.Context) (res Result, err error) {
	log := logger.FromContext(ctx, h.logger)
	outcome := "recovered"
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("recovery.panic_recovered")
			err = apierrors.FromPanic(rec)
			res = Result{RecoveredTransactionIDs: []string{}, Error: err.Error()}
		}
		if err != nil {
			outcome = "failed"
		}
		h.metrics.ObserveRecovery(outcome)
	}()

	if c := h.DetectDBCorruption(ctx); !c.IsCorrupted {
		outcome = "healthy"
		log.Debug().Msg("recovery.startup_healthy")
		return Result{Success: true, RecoveredTransactionIDs: []string{}}, nil
	}

	res, err = h.RecoverFromTransactionHistory(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recovery.history_unavailable")
		return res, err
	}
	rebuilt := h.ReconstructMissingRecords(ctx, res.Transactions)
	if rebuilt.Failed > 0 {
		log.Warn().Int("failed", rebuilt.Failed).Msg("recovery.partial_reconstruction")
	}
	log.Info().Int("recovered", res.RecoveredCount).Msg("recovery.startup_recovered")
	return res, nil
}
