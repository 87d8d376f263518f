package purchases

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = v.RegisterValidation("purchasedate", func(fl validator.FieldLevel) bool {
			t, ok := fl.Field().Interface().(time.Time)
			return ok && !t.IsZero() && t.Unix() > 0
		})
		validate = v
	})
	return validate
}

// ValidationError lists the transaction fields that failed shape validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s", strings.Join(e.Fields, ", "))
}

// ValidateTransaction checks a fresh purchase transaction before any I/O.
func ValidateTransaction(tx Transaction) error {
	return toValidationError(validatorInstance().Struct(tx))
}

// ValidateHistoryEntry checks the fields a platform history entry must carry.
// Receipt data is optional for history entries.
func ValidateHistoryEntry(tx Transaction) error {
	return toValidationError(validatorInstance().StructPartial(tx, "TransactionID", "ProductID", "PurchaseDate"))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Fields: fields}
}

// ValidPurchase reports whether a stored row is structurally usable for gating.
func ValidPurchase(p Purchase) bool {
	return strings.TrimSpace(p.TransactionID) != "" && strings.TrimSpace(p.ProductID) != ""
}

// ReceiptKey is the verification key stored on rows: SHA-256 hex of the receipt bytes.
func ReceiptKey(receiptData string) string {
	if receiptData == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(receiptData))
	return hex.EncodeToString(sum[:])
}
