// Package privacy erases local purchase data on request and gates who may see or erase it.
package privacy

import (
	"context"
	stderrors "errors"

	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/securestore"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/rs/zerolog"
)

// Deletion reports a best-effort purchase row erasure.
type Deletion struct {
	DeletedCount         int      `json:"deletedCount"`
	FailedCount          int      `json:"failedCount"`
	FailedTransactionIDs []string `json:"failedTransactionIds"`
}

// UserDeletion is the combined outcome of erasing rows and verification metadata.
type UserDeletion struct {
	Purchases          Deletion `json:"purchases"`
	PurchasesError     string   `json:"purchasesError,omitempty"`
	SecureStoreCleared bool     `json:"secureStoreCleared"`
	SecureStoreError   string   `json:"secureStoreError,omitempty"`
}

type Handler struct {
	store    storage.Store
	metadata securestore.Store
	logger   zerolog.Logger
	sink     errorlog.Sink
}

type Option func(*Handler)

func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithErrorSink(sink errorlog.Sink) Option { return func(h *Handler) { h.sink = sink } }

func NewHandler(store storage.Store, metadata securestore.Store, opts ...Option) *Handler {
	h := &Handler{store: store, metadata: metadata, logger: zerolog.Nop(), sink: errorlog.NopSink{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DeleteAllPurchaseData deletes every row individually and continues past failures.
func (h *Handler) DeleteAllPurchaseData(ctx context.Context) (Deletion, error) {
	log := logger.FromContext(ctx, h.logger)
	out := Deletion{FailedTransactionIDs: []string{}}

	rows, err := h.store.Select(ctx, storage.Filter{})
	if err != nil {
		return out, classify(apierrors.ErrCodeDBError, "purchases could not be listed", err)
	}
	for _, row := range rows {
		if err := h.store.Delete(ctx, row.TransactionID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			out.FailedCount++
			out.FailedTransactionIDs = append(out.FailedTransactionIDs, row.TransactionID)
			log.Warn().Err(err).Str("transaction_id", logger.TruncateID(row.TransactionID)).Msg("privacy.delete_failed")
			continue
		}
		out.DeletedCount++
	}
	log.Info().Int("deleted", out.DeletedCount).Int("failed", out.FailedCount).Msg("privacy.purchases_deleted")
	return out, nil
}

// DeleteSecureStoreData clears all verification metadata in one call.
func (h *Handler) DeleteSecureStoreData(ctx context.Context) error {
	if err := h.metadata.Clear(ctx); err != nil {
		return classify(apierrors.ErrCodeSecureStoreError, "verification metadata could not be cleared", err)
	}
	log := logger.FromContext(ctx, h.logger)
	log.Info().Msg("privacy.secure_store_cleared")
	return nil
}

// DeletePurchase removes one row and its verification metadata.
func (h *Handler) DeletePurchase(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return apierrors.New(apierrors.ErrCodeInvalidInput, "transaction id is required")
	}
	if err := h.store.Delete(ctx, transactionID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return apierrors.Wrap(apierrors.ErrCodeNotFound, "purchase not found", err)
		}
		return classify(apierrors.ErrCodeDBError, "purchase could not be deleted", err)
	}
	if err := h.metadata.Delete(ctx, transactionID); err != nil && !stderrors.Is(err, securestore.ErrNotFound) {
		log := logger.FromContext(ctx, h.logger)
		log.Warn().Err(err).Msg("privacy.metadata_delete_failed")
	}
	return nil
}

// DeleteUserAllPurchaseData always attempts both erasures. It fails only when one of them
// hit a non-retryable error; retryable failures are reported in the result.
func (h *Handler) DeleteUserAllPurchaseData(ctx context.Context) (UserDeletion, error) {
	var out UserDeletion
	purchasesDeleted, purchasesErr := h.DeleteAllPurchaseData(ctx)
	out.Purchases = purchasesDeleted
	if purchasesErr != nil {
		out.PurchasesError = purchasesErr.Error()
	}

	storeErr := h.DeleteSecureStoreData(ctx)
	out.SecureStoreCleared = storeErr == nil
	if storeErr != nil {
		out.SecureStoreError = storeErr.Error()
	}

	for _, err := range []error{purchasesErr, storeErr} {
		if err == nil {
			continue
		}
		h.sink.LogPurchaseError(err, "", map[string]string{"operation": "privacy_delete"})
		if !apierrors.IsRetryable(err) {
			return out, err
		}
	}
	return out, nil
}

// classify keeps a code the cause already carries and otherwise wraps it in fallback.
func classify(fallback apierrors.ErrorCode, message string, err error) *apierrors.Error {
	var coded *apierrors.Error
	if stderrors.As(err, &coded) {
		return coded
	}
	return apierrors.Wrap(fallback, message, err)
}
