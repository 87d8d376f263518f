package errors

// ErrorCode represents a machine-readable error identifier shared by every component.
type ErrorCode string

// Purchase flow errors
const (
	ErrCodeCancelled          ErrorCode = "CANCELLED"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	ErrCodeDBError            ErrorCode = "DB_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

// Restore / reconcile errors
const (
	ErrCodeStoreProblem ErrorCode = "STORE_PROBLEM_ERROR"
)

// Offline validation errors
const (
	ErrCodeReceiptNotCached       ErrorCode = "RECEIPT_NOT_CACHED"
	ErrCodeCacheExpired           ErrorCode = "CACHE_EXPIRED"
	ErrCodeReceiptNotFound        ErrorCode = "RECEIPT_NOT_FOUND"
	ErrCodeNotPendingRevalidation ErrorCode = "NOT_PENDING_REVALIDATION"
)

// Log export errors
const (
	ErrCodeNoLogsAvailable     ErrorCode = "NO_LOGS_AVAILABLE"
	ErrCodeInvalidDateRange    ErrorCode = "INVALID_DATE_RANGE"
	ErrCodeCompressionError    ErrorCode = "COMPRESSION_ERROR"
	ErrCodeInsufficientStorage ErrorCode = "INSUFFICIENT_STORAGE"
	ErrCodeFileWriteError      ErrorCode = "FILE_WRITE_ERROR"
	ErrCodeShareFailed         ErrorCode = "SHARE_FAILED"
	ErrCodeShareNotConfigured  ErrorCode = "SHARE_NOT_CONFIGURED"
)

// Privacy / authorization errors
const (
	ErrCodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeSecureStoreError ErrorCode = "SECURE_STORE_ERROR"
	ErrCodeRestoreInFlight  ErrorCode = "RESTORE_IN_PROGRESS"
	ErrCodeRequestInFlight  ErrorCode = "REQUEST_IN_PROGRESS"
)

// IsRetryable returns whether an error code represents a transient failure.
// Cancellation, verification and validation failures are never retried.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeNetworkError,
		ErrCodeStoreProblem,
		ErrCodeDBError,
		ErrCodeSecureStoreError,
		ErrCodeInsufficientStorage,
		ErrCodeShareFailed,
		ErrCodeRestoreInFlight,
		ErrCodeRequestInFlight:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidInput,
		ErrCodeInvalidDateRange:
		return 400

	case ErrCodeUnauthenticated:
		return 401

	case ErrCodeVerificationFailed:
		return 402

	case ErrCodeForbidden:
		return 403

	case ErrCodeNotFound,
		ErrCodeReceiptNotCached,
		ErrCodeReceiptNotFound,
		ErrCodeNoLogsAvailable:
		return 404

	case ErrCodeNotPendingRevalidation,
		ErrCodeRestoreInFlight,
		ErrCodeRequestInFlight:
		return 409

	// Client closed the purchase sheet
	case ErrCodeCancelled:
		return 499

	case ErrCodeNetworkError,
		ErrCodeStoreProblem,
		ErrCodeShareFailed:
		return 502

	case ErrCodeShareNotConfigured:
		return 501

	case ErrCodeInsufficientStorage:
		return 507

	default:
		return 500
	}
}

// UserMessage maps an error code to a non-technical message category.
// Cancellation is silent and returns an empty message.
func UserMessage(code ErrorCode) string {
	switch code {
	case ErrCodeCancelled:
		return ""
	case ErrCodeNetworkError:
		return "We couldn't reach the store. Check your connection and try again."
	case ErrCodeStoreProblem:
		return "The store is having trouble right now. Please try again in a moment."
	case ErrCodeVerificationFailed:
		return "We couldn't confirm this purchase. If you were charged, please contact support."
	case ErrCodeDBError, ErrCodeSecureStoreError:
		return "Your purchase information couldn't be saved on this device. Please try again."
	case ErrCodeInvalidInput:
		return "Something about this request wasn't right. Please try again."
	case ErrCodeNotFound:
		return "We couldn't find that purchase."
	case ErrCodeUnauthenticated:
		return "Please sign in to continue."
	case ErrCodeForbidden:
		return "You don't have permission to do that."
	case ErrCodeRestoreInFlight:
		return "A restore is already running."
	case ErrCodeRequestInFlight:
		return "Your previous request is still being processed."
	case ErrCodeNoLogsAvailable:
		return "There are no logs to export."
	case ErrCodeInvalidDateRange:
		return "The selected date range is not valid."
	case ErrCodeInsufficientStorage:
		return "There isn't enough free space to export logs."
	case ErrCodeShareFailed, ErrCodeShareNotConfigured:
		return "The export couldn't be shared."
	default:
		return "Something went wrong. Please try again later."
	}
}
