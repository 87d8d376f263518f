// Package billing defines the platform purchase repository the entitlement services
// depend on, plus an HTTP client for the on-device billing bridge.
package billing

import (
	"context"
	stderrors "errors"
	"fmt"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// ErrorCode is the platform billing error taxonomy.
type ErrorCode string

const (
	CodeNetworkError              ErrorCode = "NETWORK_ERROR"
	CodeStoreProblem              ErrorCode = "STORE_PROBLEM_ERROR"
	CodePurchaseCancelled         ErrorCode = "PURCHASE_CANCELLED"
	CodePurchaseInvalid           ErrorCode = "PURCHASE_INVALID"
	CodePurchaseNotAllowed        ErrorCode = "PURCHASE_NOT_ALLOWED"
	CodeProductAlreadyPurchased   ErrorCode = "PRODUCT_ALREADY_PURCHASED"
	CodeConfigurationError        ErrorCode = "CONFIGURATION_ERROR"
	CodeInvalidCredentials        ErrorCode = "INVALID_CREDENTIALS_ERROR"
	CodeUnexpectedBackendResponse ErrorCode = "UNEXPECTED_BACKEND_RESPONSE_ERROR"
	CodeReceiptAlreadyInUse       ErrorCode = "RECEIPT_ALREADY_IN_USE_ERROR"
	CodeNoActiveSubscription      ErrorCode = "NO_ACTIVE_SUBSCRIPTION"
	CodeUnknown                   ErrorCode = "UNKNOWN_ERROR"
)

// Known reports whether c belongs to the taxonomy.
func (c ErrorCode) Known() bool {
	switch c {
	case CodeNetworkError, CodeStoreProblem, CodePurchaseCancelled, CodePurchaseInvalid,
		CodePurchaseNotAllowed, CodeProductAlreadyPurchased, CodeConfigurationError,
		CodeInvalidCredentials, CodeUnexpectedBackendResponse, CodeReceiptAlreadyInUse,
		CodeNoActiveSubscription, CodeUnknown:
		return true
	}
	return false
}

// DefaultRetryable is the retryable flag used when the platform does not report one.
func (c ErrorCode) DefaultRetryable() bool {
	return c == CodeNetworkError || c == CodeStoreProblem
}

// PurchaseError is returned by every Repository method.
type PurchaseError struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	CanRetry bool      `json:"retryable"`
	Err      error     `json:"-"`
}

// NewPurchaseError builds an error with the code's default retryable flag.
func NewPurchaseError(code ErrorCode, message string, err error) *PurchaseError {
	return &PurchaseError{Code: code, Message: message, CanRetry: code.DefaultRetryable(), Err: err}
}

func (e *PurchaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PurchaseError) Unwrap() error { return e.Err }

func (e *PurchaseError) Retryable() bool { return e.CanRetry }

// Repository launches platform purchase sheets and reads the platform's purchase history.
type Repository interface {
	LaunchPurchaseFlow(ctx context.Context, productID string) (purchases.Transaction, error)
	RequestAllPurchaseHistory(ctx context.Context) ([]purchases.Transaction, error)
}

func asPurchaseError(err error) *PurchaseError {
	var pe *PurchaseError
	if stderrors.As(err, &pe) {
		return pe
	}
	return nil
}

// FlowError maps a LaunchPurchaseFlow failure to the purchase flow taxonomy.
// Cancellation is terminal; any retryable platform failure surfaces as NETWORK_ERROR.
func FlowError(err error) *apierrors.Error {
	pe := asPurchaseError(err)
	if pe == nil {
		return apierrors.Wrap(apierrors.ErrCodeUnknownError, "purchase flow failed", err)
	}
	switch {
	case pe.Code == CodePurchaseCancelled:
		return apierrors.Wrap(apierrors.ErrCodeCancelled, "purchase cancelled", pe)
	case pe.Code == CodeNetworkError, pe.Code == CodeStoreProblem, pe.CanRetry:
		return apierrors.Wrap(apierrors.ErrCodeNetworkError, pe.Message, pe)
	default:
		return apierrors.Wrap(apierrors.ErrCodeUnknownError, pe.Message, pe)
	}
}

// HistoryError maps a RequestAllPurchaseHistory failure to the restore taxonomy.
func HistoryError(err error) *apierrors.Error {
	pe := asPurchaseError(err)
	if pe == nil {
		return apierrors.Wrap(apierrors.ErrCodeUnknownError, "purchase history unavailable", err)
	}
	switch pe.Code {
	case CodeNetworkError:
		return apierrors.Wrap(apierrors.ErrCodeNetworkError, pe.Message, pe)
	case CodeStoreProblem:
		return apierrors.Wrap(apierrors.ErrCodeStoreProblem, pe.Message, pe)
	default:
		return apierrors.Wrap(apierrors.ErrCodeUnknownError, pe.Message, pe)
	}
}
