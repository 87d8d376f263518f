// Package verifier checks store receipt signatures for iOS and Android purchases.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	"github.com/CedrosPay/entitlements/internal/config"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/rs/zerolog"
)

// Result is the verdict for one receipt. An invalid signature is a Result with
// IsValid false, not an error; errors are reserved for verification that could not run.
type Result struct {
	IsValid       bool      `json:"isValid"`
	TransactionID string    `json:"transactionId,omitempty"`
	ProductID     string    `json:"productId,omitempty"`
	PurchaseDate  time.Time `json:"purchaseDate,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	// Transactions lists every active entry of a receipt that covers several
	// purchases (legacy App Store receipts). TransactionID is the latest of them.
	Transactions []ReceiptTransaction `json:"transactions,omitempty"`
}

// ReceiptTransaction is one purchase contained in a receipt.
type ReceiptTransaction struct {
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId"`
	PurchaseDate  time.Time `json:"purchaseDate,omitempty"`
}

// Covers reports whether the verified receipt vouches for the given transaction.
// Fields the verifier could not extract are not compared.
func (r Result) Covers(transactionID, productID string) bool {
	if len(r.Transactions) > 0 {
		for _, t := range r.Transactions {
			if t.TransactionID == transactionID {
				return productID == "" || t.ProductID == "" || t.ProductID == productID
			}
		}
		return false
	}
	if r.TransactionID != "" && r.TransactionID != transactionID {
		return false
	}
	return r.ProductID == "" || r.ProductID == productID
}

func invalid(format string, args ...any) Result {
	return Result{IsValid: false, Reason: fmt.Sprintf(format, args...)}
}

// ReceiptVerifier checks a receipt against its platform signature.
type ReceiptVerifier interface {
	VerifyReceiptSignature(ctx context.Context, receiptData, signature string, platform purchases.Platform) (Result, error)
}

// PlatformVerifier dispatches to the Android or Apple verifier.
type PlatformVerifier struct {
	android *AndroidVerifier
	apple   *AppleVerifier
	logger  zerolog.Logger
}

// Option configures a PlatformVerifier.
type Option func(*PlatformVerifier)

func WithLogger(logger zerolog.Logger) Option {
	return func(v *PlatformVerifier) { v.logger = logger }
}

// NewPlatformVerifier builds a verifier; either platform may be nil to reject its receipts.
func NewPlatformVerifier(android *AndroidVerifier, apple *AppleVerifier, opts ...Option) *PlatformVerifier {
	v := &PlatformVerifier{android: android, apple: apple, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewFromConfig builds both platform verifiers from configuration.
func NewFromConfig(cfg config.VerifierConfig, breakers *circuitbreaker.Manager, logger zerolog.Logger) (*PlatformVerifier, error) {
	var android *AndroidVerifier
	if cfg.GooglePublicKey != "" {
		av, err := NewAndroidVerifier(cfg.GooglePublicKey)
		if err != nil {
			return nil, err
		}
		android = av
	}
	apple := NewAppleVerifier(AppleConfig{
		SharedSecret: cfg.AppleSharedSecret,
		Production:   cfg.AppleProduction,
		BundleID:     cfg.AppleBundleID,
		Timeout:      cfg.Timeout.Duration,
	}, breakers)
	return NewPlatformVerifier(android, apple, WithLogger(logger)), nil
}

func (v *PlatformVerifier) VerifyReceiptSignature(ctx context.Context, receiptData, signature string, platform purchases.Platform) (Result, error) {
	var (
		res Result
		err error
	)
	switch platform {
	case purchases.PlatformAndroid:
		if v.android == nil {
			return Result{}, apierrors.New(apierrors.ErrCodeVerificationFailed, "android verification is not configured")
		}
		res, err = v.android.Verify(receiptData, signature)
	case purchases.PlatformIOS:
		if v.apple == nil {
			return Result{}, apierrors.New(apierrors.ErrCodeVerificationFailed, "ios verification is not configured")
		}
		res, err = v.apple.Verify(ctx, receiptData)
	default:
		return Result{}, apierrors.New(apierrors.ErrCodeVerificationFailed, fmt.Sprintf("unsupported platform %q", platform))
	}
	if err != nil {
		v.logger.Warn().Err(err).Str("platform", string(platform)).Msg("verifier.verification_error")
		return Result{}, err
	}
	if !res.IsValid {
		v.logger.Info().
			Str("platform", string(platform)).
			Str("reason", res.Reason).
			Msg("verifier.receipt_invalid")
	}
	return res, nil
}
