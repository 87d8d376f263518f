package verifier

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Play purchaseState values.
const (
	androidPurchased = 0
)

// AndroidVerifier checks Play Billing receipts signed SHA1withRSA by the app's
// Play Console license key.
type AndroidVerifier struct {
	key *rsa.PublicKey
}

type androidReceipt struct {
	OrderID       string `json:"orderId"`
	PurchaseToken string `json:"purchaseToken"`
	ProductID     string `json:"productId"`
	PurchaseTime  int64  `json:"purchaseTime"`
	PurchaseState int    `json:"purchaseState"`
}

// NewAndroidVerifier parses a base64 DER (PKIX) RSA public key.
func NewAndroidVerifier(base64Key string) (*AndroidVerifier, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("decode google public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse google public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("google public key is not RSA")
	}
	return &AndroidVerifier{key: rsaKey}, nil
}

// Verify checks signature over the exact receipt bytes, then reads the purchase fields.
func (v *AndroidVerifier) Verify(receiptData, signature string) (Result, error) {
	if signature == "" {
		return invalid("missing signature"), nil
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return invalid("signature is not base64"), nil
	}
	digest := sha1.Sum([]byte(receiptData))
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA1, digest[:], sig); err != nil {
		return invalid("signature mismatch"), nil
	}

	var receipt androidReceipt
	if err := json.Unmarshal([]byte(receiptData), &receipt); err != nil {
		return invalid("receipt is not JSON"), nil
	}
	if receipt.PurchaseState != androidPurchased {
		return invalid("purchase state %d", receipt.PurchaseState), nil
	}

	id := receipt.OrderID
	if id == "" {
		id = receipt.PurchaseToken
	}
	return Result{
		IsValid:       true,
		TransactionID: id,
		ProductID:     receipt.ProductID,
		PurchaseDate:  time.UnixMilli(receipt.PurchaseTime).UTC(),
	}, nil
}
