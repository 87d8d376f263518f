// Package purchases defines the purchase records shared by the entitlement services.
package purchases

import (
	"time"
)

// Platform identifies the store that issued a receipt.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a supported store platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Transaction is the ephemeral result of a platform purchase or history entry.
// It is consumed to produce a Purchase and is never persisted as-is.
type Transaction struct {
	TransactionID string    `json:"transactionId" validate:"notblank"`
	ProductID     string    `json:"productId" validate:"notblank"`
	PurchaseDate  time.Time `json:"purchaseDate" validate:"purchasedate"`
	ReceiptData   string    `json:"receiptData" validate:"notblank"`
	// Signature is the detached Android signature; iOS receipts are self-signed.
	Signature string   `json:"signature,omitempty"`
	Platform  Platform `json:"platform" validate:"omitempty,oneof=ios android"`
}

// Purchase is the durable local record keyed by TransactionID.
type Purchase struct {
	TransactionID   string     `json:"transactionId"`
	ProductID       string     `json:"productId"`
	PurchasedAt     time.Time  `json:"purchasedAt"`
	Price           float64    `json:"price"`
	CurrencyCode    string     `json:"currencyCode"`
	IsVerified      bool       `json:"isVerified"`
	IsSynced        bool       `json:"isSynced"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
	VerificationKey string     `json:"verificationKey,omitempty"`

	// UnlockedFeatures is derived from the feature catalog on read.
	UnlockedFeatures []string `json:"unlockedFeatures,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored rows.
func (p Purchase) Clone() Purchase {
	out := p
	if p.SyncedAt != nil {
		t := *p.SyncedAt
		out.SyncedAt = &t
	}
	if p.UnlockedFeatures != nil {
		out.UnlockedFeatures = append([]string(nil), p.UnlockedFeatures...)
	}
	return out
}

// VerificationMetadata records who verified what, and when.
type VerificationMetadata struct {
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId"`
	VerifiedAt    time.Time `json:"verifiedAt"`
	SignatureKey  string    `json:"signatureKey"`
	Platform      Platform  `json:"platform"`
}

// FromHistory builds the row for a transaction the platform already vouches for.
func FromHistory(tx Transaction, verified bool, now time.Time) Purchase {
	synced := now
	return Purchase{
		TransactionID:   tx.TransactionID,
		ProductID:       tx.ProductID,
		PurchasedAt:     tx.PurchaseDate,
		IsVerified:      verified,
		IsSynced:        true,
		SyncedAt:        &synced,
		VerificationKey: ReceiptKey(tx.ReceiptData),
	}
}
