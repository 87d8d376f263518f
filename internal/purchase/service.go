// Package purchase runs the buy flow: launch the platform purchase sheet, verify the
// receipt, persist verification metadata, then record the purchase locally.
package purchase

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/CedrosPay/entitlements/internal/billing"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/offline"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/retry"
	"github.com/CedrosPay/entitlements/internal/securestore"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/verifier"
	"github.com/rs/zerolog"
)

// Price is the catalog price recorded on new purchase rows.
type Price struct {
	Amount       float64
	CurrencyCode string
}

// PriceList maps product IDs to prices.
type PriceList map[string]Price

// PriceListFromConfig builds a PriceList from configured products.
func PriceListFromConfig(products []config.ProductConfig) PriceList {
	out := make(PriceList, len(products))
	for _, p := range products {
		out[p.ID] = Price{Amount: p.Price, CurrencyCode: p.CurrencyCode}
	}
	return out
}

// Service implements the purchase flow.
type Service struct {
	repo     billing.Repository
	verifier verifier.ReceiptVerifier
	metadata securestore.Store
	store    storage.Store

	prices   PriceList
	features func(productID string) []string
	policy   retry.Policy
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	sink     errorlog.Sink
	verdicts VerdictCache
}

// VerdictCache keeps verified receipts available for offline entitlement checks.
type VerdictCache interface {
	CacheVerificationResult(receiptData string, result verifier.Result, opts ...offline.CacheOption) error
}

// Option configures a Service.
type Option func(*Service)

func WithRetryPolicy(p retry.Policy) Option { return func(s *Service) { s.policy = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithErrorSink(sink errorlog.Sink) Option { return func(s *Service) { s.sink = sink } }

func WithPriceList(p PriceList) Option { return func(s *Service) { s.prices = p } }

// WithVerdictCache seeds c with every receipt that verifies, from either the launch
// flow or a direct verification.
func WithVerdictCache(c VerdictCache) Option { return func(s *Service) { s.verdicts = c } }

// WithFeatureResolver sets the lookup used to fill Purchase.UnlockedFeatures.
func WithFeatureResolver(fn func(productID string) []string) Option {
	return func(s *Service) { s.features = fn }
}

func NewService(repo billing.Repository, v verifier.ReceiptVerifier, metadata securestore.Store, store storage.Store, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		verifier: v,
		metadata: metadata,
		store:    store,
		policy:   retry.DefaultPolicy(),
		now:      time.Now,
		logger:   zerolog.Nop(),
		sink:     errorlog.NopSink{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.Name = "purchase.launch"
	s.policy.Logger = &s.logger
	onRetry := s.policy.OnRetry
	s.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.ObserveRetry("launch")
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return s
}

// PurchaseProduct launches the purchase sheet for productID and verifies the result.
// Retryable launch failures are retried with backoff; a cancelled sheet returns
// CANCELLED immediately and is never relaunched.
func (s *Service) PurchaseProduct(ctx context.Context, productID string) (p purchases.Purchase, err error) {
	start := s.now()
	defer func() { s.finish(ctx, "purchase", start, &err, recover()) }()

	productID = strings.TrimSpace(productID)
	if productID == "" {
		return purchases.Purchase{}, apierrors.New(apierrors.ErrCodeInvalidInput, "product id is required")
	}

	tx, err := retry.Do(ctx, s.policy, func(ctx context.Context) (purchases.Transaction, error) {
		tx, err := s.repo.LaunchPurchaseFlow(ctx, productID)
		if err != nil {
			return purchases.Transaction{}, billing.FlowError(err)
		}
		return tx, nil
	})
	if err != nil {
		return purchases.Purchase{}, err
	}
	return s.verifyAndSave(ctx, tx)
}

// VerifyAndSavePurchase verifies tx and persists its metadata before returning the
// Purchase. An invalid receipt writes nothing.
func (s *Service) VerifyAndSavePurchase(ctx context.Context, tx purchases.Transaction) (p purchases.Purchase, err error) {
	start := s.now()
	defer func() { s.finish(ctx, "verify", start, &err, recover()) }()
	return s.verifyAndSave(ctx, tx)
}

func (s *Service) verifyAndSave(ctx context.Context, tx purchases.Transaction) (purchases.Purchase, error) {
	log := logger.FromContext(ctx, s.logger)

	if err := purchases.ValidateTransaction(tx); err != nil {
		return purchases.Purchase{}, apierrors.Wrap(apierrors.ErrCodeInvalidInput, "transaction is malformed", err)
	}

	// iOS receipts carry their own signature.
	signature := tx.Signature
	if tx.Platform == purchases.PlatformIOS {
		signature = tx.ReceiptData
	}

	res, err := s.verifier.VerifyReceiptSignature(ctx, tx.ReceiptData, signature, tx.Platform)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrCodeNetworkError) {
			return purchases.Purchase{}, apierrors.Wrap(apierrors.ErrCodeNetworkError, "receipt verification unavailable", err)
		}
		return purchases.Purchase{}, apierrors.Wrap(apierrors.ErrCodeVerificationFailed, "receipt verification failed", err)
	}
	if !res.IsValid {
		return purchases.Purchase{}, apierrors.New(apierrors.ErrCodeVerificationFailed, "receipt signature is invalid")
	}
	if !res.Covers(tx.TransactionID, tx.ProductID) {
		log.Warn().
			Str("transaction_id", logger.TruncateID(tx.TransactionID)).
			Str("receipt_transaction_id", logger.TruncateID(res.TransactionID)).
			Msg("purchase.receipt_mismatch")
		return purchases.Purchase{}, apierrors.New(apierrors.ErrCodeVerificationFailed, "receipt does not cover this transaction")
	}

	now := s.now().UTC()
	md := purchases.VerificationMetadata{
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		VerifiedAt:    now,
		SignatureKey:  purchases.ReceiptKey(signature),
		Platform:      tx.Platform,
	}
	if err := s.metadata.Save(ctx, md); err != nil {
		return purchases.Purchase{}, apierrors.Wrap(apierrors.ErrCodeDBError, "verification metadata could not be saved", err)
	}

	price := s.prices[tx.ProductID]
	p := purchases.Purchase{
		TransactionID:   tx.TransactionID,
		ProductID:       tx.ProductID,
		PurchasedAt:     tx.PurchaseDate,
		Price:           price.Amount,
		CurrencyCode:    price.CurrencyCode,
		IsVerified:      true,
		IsSynced:        false,
		VerificationKey: purchases.ReceiptKey(tx.ReceiptData),
	}

	// The metadata above is the durable proof; the next restore or reconcile fills
	// in a row that fails to write here.
	if err := s.recordRow(ctx, p); err != nil {
		log.Warn().
			Err(err).
			Str("transaction_id", logger.TruncateID(tx.TransactionID)).
			Msg("purchase.row_write_failed")
	}

	log.Info().
		Str("transaction_id", logger.TruncateID(tx.TransactionID)).
		Str("product_id", tx.ProductID).
		Str("platform", string(tx.Platform)).
		Msg("purchase.verified")
	s.cacheVerdict(log, tx, signature)
	p.UnlockedFeatures = s.unlocked(tx.ProductID)
	return p, nil
}

func (s *Service) cacheVerdict(log zerolog.Logger, tx purchases.Transaction, signature string) {
	if s.verdicts == nil {
		return
	}
	result := verifier.Result{
		IsValid:       true,
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		PurchaseDate:  tx.PurchaseDate,
	}
	if err := s.verdicts.CacheVerificationResult(tx.ReceiptData, result, offline.WithRevalidationContext(signature, tx.Platform)); err != nil {
		log.Warn().Err(err).Str("transaction_id", logger.TruncateID(tx.TransactionID)).Msg("purchase.offline_cache_failed")
	}
}

// recordRow inserts p, or marks an existing row verified without touching its sync state.
func (s *Service) recordRow(ctx context.Context, p purchases.Purchase) error {
	existing, err := s.store.Get(ctx, p.TransactionID)
	switch {
	case err == nil:
		if existing.IsVerified && existing.VerificationKey == p.VerificationKey {
			return nil
		}
		return s.store.Update(ctx, p.TransactionID, storage.Patch{
			IsVerified:      storage.Bool(true),
			VerificationKey: &p.VerificationKey,
		})
	case stderrors.Is(err, storage.ErrNotFound):
		return s.store.Insert(ctx, p)
	default:
		return err
	}
}

// GetActivePurchases returns every verified purchase.
func (s *Service) GetActivePurchases(ctx context.Context) ([]purchases.Purchase, error) {
	rows, err := s.store.Select(ctx, storage.Filter{IsVerified: storage.Bool(true)})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDBError, "purchases could not be read", err)
	}
	for i := range rows {
		rows[i].UnlockedFeatures = s.unlocked(rows[i].ProductID)
	}
	return rows, nil
}

// GetPurchase returns nil without error for empty or unknown IDs.
func (s *Service) GetPurchase(ctx context.Context, transactionID string) (*purchases.Purchase, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, nil
	}
	p, err := s.store.Get(ctx, transactionID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeDBError, "purchase could not be read", err)
	}
	p.UnlockedFeatures = s.unlocked(p.ProductID)
	return &p, nil
}

func (s *Service) unlocked(productID string) []string {
	if s.features == nil {
		return nil
	}
	return s.features(productID)
}

// finish converts panics to UNKNOWN_ERROR and records the outcome. It must be
// called directly from a deferred function so recovered carries the panic value.
func (s *Service) finish(ctx context.Context, op string, start time.Time, errp *error, recovered any) {
	if recovered != nil {
		*errp = apierrors.FromPanic(recovered)
		s.logger.Error().Interface("panic", recovered).Str("operation", op).Msg("purchase.panic_recovered")
	}
	err := *errp
	outcome := "success"
	if err != nil {
		outcome = string(apierrors.CodeOf(err))
	}
	s.metrics.ObservePurchase(op, outcome, s.now().Sub(start))

	if err == nil {
		return
	}
	log := logger.FromContext(ctx, s.logger)
	if apierrors.Is(err, apierrors.ErrCodeCancelled) {
		log.Info().Str("operation", op).Msg("purchase.cancelled")
		return
	}
	log.Warn().Err(err).Str("operation", op).Msg("purchase.failed")
	s.sink.LogPurchaseError(err, "", map[string]string{"operation": op})
}
