package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/billing"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/offline"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/retry"
	"github.com/CedrosPay/entitlements/internal/securestore"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/verifier"
)

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// stubRepo returns errs in order, then tx.
type stubRepo struct {
	errs  []error
	tx    purchases.Transaction
	calls int
}

func (r *stubRepo) LaunchPurchaseFlow(context.Context, string) (purchases.Transaction, error) {
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return purchases.Transaction{}, err
	}
	return r.tx, nil
}

func (r *stubRepo) RequestAllPurchaseHistory(context.Context) ([]purchases.Transaction, error) {
	return nil, nil
}

type stubVerifier struct {
	result        verifier.Result
	err           error
	panicWith     any
	calls         int
	lastSignature string
}

func (v *stubVerifier) VerifyReceiptSignature(_ context.Context, _, signature string, _ purchases.Platform) (verifier.Result, error) {
	v.calls++
	v.lastSignature = signature
	if v.panicWith != nil {
		panic(v.panicWith)
	}
	return v.result, v.err
}

// countingMetadata wraps a memory store and can fail saves.
type countingMetadata struct {
	*securestore.MemoryStore
	saveErr error
	saves   int
}

func (m *countingMetadata) Save(ctx context.Context, md purchases.VerificationMetadata) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	return m.MemoryStore.Save(ctx, md)
}

// brokenStore fails every call.
type brokenStore struct{ err error }

func (b brokenStore) Insert(context.Context, purchases.Purchase) error    { return b.err }
func (b brokenStore) Update(context.Context, string, storage.Patch) error { return b.err }
func (b brokenStore) Get(context.Context, string) (purchases.Purchase, error) {
	return purchases.Purchase{}, b.err
}
func (b brokenStore) Delete(context.Context, string) error { return b.err }
func (b brokenStore) Close() error                         { return nil }
func (b brokenStore) Select(context.Context, storage.Filter) ([]purchases.Purchase, error) {
	return nil, b.err
}

type sleeps struct{ delays []time.Duration }

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

type fixture struct {
	repo     *stubRepo
	verifier *stubVerifier
	metadata *countingMetadata
	store    storage.Store
	sleeps   *sleeps
	errlog   *errorlog.Logger
	verdicts *offline.Validator
	svc      *Service
}

func validTx() purchases.Transaction {
	return purchases.Transaction{
		TransactionID: "1000000123456789",
		ProductID:     "premium_unlock",
		PurchaseDate:  time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC),
		ReceiptData:   "receipt-blob",
		Signature:     "detached-signature",
		Platform:      purchases.PlatformAndroid,
	}
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	f := &fixture{
		repo:     &stubRepo{tx: validTx()},
		verifier: &stubVerifier{result: verifier.Result{IsValid: true, ProductID: "premium_unlock"}},
		metadata: &countingMetadata{MemoryStore: securestore.NewMemoryStore()},
		store:    store,
		sleeps:   &sleeps{},
		errlog:   errorlog.NewLogger(50),
		verdicts: offline.NewValidator(),
	}
	policy := retry.DefaultPolicy()
	policy.Sleep = f.sleeps.sleep
	f.svc = NewService(f.repo, f.verifier, f.metadata, f.store,
		WithRetryPolicy(policy),
		WithClock(func() time.Time { return fixedNow }),
		WithErrorSink(f.errlog),
		WithVerdictCache(f.verdicts),
		WithPriceList(PriceList{"premium_unlock": {Amount: 4.99, CurrencyCode: "USD"}}),
		WithFeatureResolver(func(productID string) []string {
			if productID == "premium_unlock" {
				return []string{"advanced_filters"}
			}
			return nil
		}),
	)
	return f
}

func networkErr() error { return billing.NewPurchaseError(billing.CodeNetworkError, "offline", nil) }

func TestPurchaseProductRejectsEmptyProduct(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.PurchaseProduct(context.Background(), "  ")
	if !apierrors.Is(err, apierrors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if f.repo.calls != 0 {
		t.Fatalf("billing should not be called, got %d", f.repo.calls)
	}
}

func TestPurchaseProductRetriesNetworkErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.errs = []error{networkErr(), networkErr()}

	p, err := f.svc.PurchaseProduct(context.Background(), "premium_unlock")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if f.repo.calls != 3 {
		t.Errorf("expected 3 launches, got %d", f.repo.calls)
	}
	if len(f.sleeps.delays) != 2 || f.sleeps.delays[0] != time.Second || f.sleeps.delays[1] != 2*time.Second {
		t.Errorf("unexpected backoff %v", f.sleeps.delays)
	}
	if !p.IsVerified || p.IsSynced {
		t.Errorf("new purchase must be verified and unsynced: %+v", p)
	}
}

func TestPurchaseProductCancelledIsNeverRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.errs = []error{billing.NewPurchaseError(billing.CodePurchaseCancelled, "closed", nil), networkErr()}

	_, err := f.svc.PurchaseProduct(context.Background(), "premium_unlock")
	if !apierrors.Is(err, apierrors.ErrCodeCancelled) || apierrors.IsRetryable(err) {
		t.Fatalf("expected non-retryable CANCELLED, got %v", err)
	}
	if f.repo.calls != 1 || len(f.sleeps.delays) != 0 {
		t.Fatalf("cancelled flow must not be relaunched: calls=%d sleeps=%v", f.repo.calls, f.sleeps.delays)
	}
	if f.errlog.Len() != 0 {
		t.Errorf("cancellation must stay silent in the error log")
	}
}

func TestPurchaseProductExhaustsRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.errs = []error{networkErr(), networkErr(), networkErr(), networkErr(), networkErr()}

	_, err := f.svc.PurchaseProduct(context.Background(), "premium_unlock")
	if !apierrors.Is(err, apierrors.ErrCodeNetworkError) || !apierrors.IsRetryable(err) {
		t.Fatalf("expected retryable NETWORK_ERROR, got %v", err)
	}
	if f.repo.calls != 4 {
		t.Errorf("expected 1+3 attempts, got %d", f.repo.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, d := range want {
		if i >= len(f.sleeps.delays) || f.sleeps.delays[i] != d {
			t.Fatalf("expected delays %v, got %v", want, f.sleeps.delays)
		}
	}
	if f.errlog.Len() != 1 {
		t.Errorf("expected one error log entry, got %d", f.errlog.Len())
	}
}

func TestPurchaseProductNonRetryableBillingError(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.errs = []error{billing.NewPurchaseError(billing.CodeProductAlreadyPurchased, "owned", nil)}

	_, err := f.svc.PurchaseProduct(context.Background(), "premium_unlock")
	if !apierrors.Is(err, apierrors.ErrCodeUnknownError) {
		t.Fatalf("expected UNKNOWN_ERROR, got %v", err)
	}
	if f.repo.calls != 1 {
		t.Errorf("non-retryable billing error retried %d times", f.repo.calls)
	}
}

func TestVerifyFailureWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.result = verifier.Result{IsValid: false, Reason: "signature mismatch"}

	_, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if !apierrors.Is(err, apierrors.ErrCodeVerificationFailed) || apierrors.IsRetryable(err) {
		t.Fatalf("expected VERIFICATION_FAILED, got %v", err)
	}
	if f.metadata.saves != 0 {
		t.Fatalf("metadata must not be written, got %d saves", f.metadata.saves)
	}
	rows, _ := f.store.Select(context.Background(), storage.Filter{})
	if len(rows) != 0 {
		t.Fatalf("purchase row must not be written, got %d", len(rows))
	}
}

func TestVerifyProductMismatchFails(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.result = verifier.Result{IsValid: true, ProductID: "cheap_item"}
	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx()); !apierrors.Is(err, apierrors.ErrCodeVerificationFailed) {
		t.Fatalf("expected VERIFICATION_FAILED, got %v", err)
	}
}

func TestVerifyRejectsReceiptReusedUnderOtherTransactionIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.result = verifier.Result{IsValid: true, TransactionID: "GPA.real-order", ProductID: "premium_unlock"}

	for _, id := range []string{"fake-1", "fake-2", "fake-3"} {
		tx := validTx()
		tx.TransactionID = id
		if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); !apierrors.Is(err, apierrors.ErrCodeVerificationFailed) {
			t.Fatalf("%s: expected VERIFICATION_FAILED, got %v", id, err)
		}
	}
	if f.metadata.saves != 0 {
		t.Fatalf("metadata written for mismatched transactions: %d", f.metadata.saves)
	}

	tx := validTx()
	tx.TransactionID = "GPA.real-order"
	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); err != nil {
		t.Fatalf("matching transaction: %v", err)
	}
	rows, _ := f.store.Select(context.Background(), storage.Filter{})
	if len(rows) != 1 {
		t.Fatalf("verified rows from one receipt = %d, want 1", len(rows))
	}
}

func TestVerifiedReceiptsAreCachedForOfflineUse(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.PurchaseProduct(context.Background(), "premium_unlock"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	v := f.verdicts.VerifyReceiptOffline(validTx().ReceiptData)
	if !v.IsValid || v.Source != offline.SourceCache {
		t.Fatalf("launched purchase not cached: %+v", v)
	}
	if v.Result.TransactionID != validTx().TransactionID {
		t.Fatalf("cached verdict for wrong transaction: %+v", v.Result)
	}

	tx := validTx()
	tx.TransactionID = "2000000999"
	tx.ReceiptData = "ios-receipt"
	tx.Platform = purchases.PlatformIOS
	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v := f.verdicts.VerifyReceiptOffline("ios-receipt"); !v.IsValid {
		t.Fatalf("verified receipt not cached: %+v", v)
	}
}

func TestFailedVerificationIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.result = verifier.Result{IsValid: false, Reason: "signature mismatch"}
	_, _ = f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if v := f.verdicts.VerifyReceiptOffline(validTx().ReceiptData); v.Source != offline.SourceNone {
		t.Fatalf("rejected receipt reached the offline cache: %+v", v)
	}
}

func TestVerifyMetadataFailureIsDBError(t *testing.T) {
	f := newFixture(t, nil)
	f.metadata.saveErr = errors.New("keychain locked")

	_, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if !apierrors.Is(err, apierrors.ErrCodeDBError) || !apierrors.IsRetryable(err) {
		t.Fatalf("expected retryable DB_ERROR, got %v", err)
	}
	rows, _ := f.store.Select(context.Background(), storage.Filter{})
	if len(rows) != 0 {
		t.Fatalf("row must not be written when metadata fails")
	}
}

func TestVerifyRejectsMalformedTransaction(t *testing.T) {
	f := newFixture(t, nil)
	tx := validTx()
	tx.ReceiptData = ""
	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); !apierrors.Is(err, apierrors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	tx = validTx()
	tx.PurchaseDate = time.Time{}
	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); !apierrors.Is(err, apierrors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for zero date, got %v", err)
	}
	if f.verifier.calls != 0 {
		t.Fatalf("verifier must not be called for malformed input")
	}
}

func TestVerifySuccessPersistsMetadataAndRow(t *testing.T) {
	f := newFixture(t, nil)
	tx := validTx()
	tx.Platform = purchases.PlatformIOS

	p, err := f.svc.VerifyAndSavePurchase(context.Background(), tx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if f.verifier.lastSignature != tx.ReceiptData {
		t.Errorf("ios receipts are their own signature, got %q", f.verifier.lastSignature)
	}
	if p.Price != 4.99 || p.CurrencyCode != "USD" || len(p.UnlockedFeatures) != 1 {
		t.Errorf("unexpected purchase: %+v", p)
	}
	if p.VerificationKey != purchases.ReceiptKey(tx.ReceiptData) {
		t.Errorf("verification key should be the receipt hash")
	}

	md, err := f.metadata.Get(context.Background(), tx.TransactionID)
	if err != nil || !md.VerifiedAt.Equal(fixedNow) || md.Platform != purchases.PlatformIOS {
		t.Fatalf("metadata not persisted: %+v %v", md, err)
	}
	row, err := f.store.Get(context.Background(), tx.TransactionID)
	if err != nil || !row.IsVerified || row.IsSynced {
		t.Fatalf("row not persisted as verified/unsynced: %+v %v", row, err)
	}
}

func TestVerifyKeepsExistingSyncState(t *testing.T) {
	store := storage.NewMemoryStore()
	synced := fixedNow.Add(-time.Hour)
	tx := validTx()
	if err := store.Insert(context.Background(), purchases.Purchase{
		TransactionID: tx.TransactionID, ProductID: tx.ProductID, PurchasedAt: tx.PurchaseDate,
		IsVerified: false, IsSynced: true, SyncedAt: &synced,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := newFixture(t, store)

	if _, err := f.svc.VerifyAndSavePurchase(context.Background(), tx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	row, _ := store.Get(context.Background(), tx.TransactionID)
	if !row.IsVerified || !row.IsSynced {
		t.Fatalf("row should be verified and still synced: %+v", row)
	}
}

func TestVerifyRowFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, brokenStore{err: errors.New("database is locked")})
	p, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if err != nil {
		t.Fatalf("metadata persisted, purchase should succeed: %v", err)
	}
	if !p.IsVerified {
		t.Errorf("unexpected purchase %+v", p)
	}
}

func TestVerifyVerifierNetworkErrorIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.err = apierrors.New(apierrors.ErrCodeNetworkError, "app store unreachable")
	_, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if !apierrors.Is(err, apierrors.ErrCodeNetworkError) {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
	if f.metadata.saves != 0 {
		t.Fatalf("metadata must not be written")
	}
}

func TestVerifyPanicBecomesUnknownError(t *testing.T) {
	f := newFixture(t, nil)
	f.verifier.panicWith = "nil map"
	_, err := f.svc.VerifyAndSavePurchase(context.Background(), validTx())
	if !apierrors.Is(err, apierrors.ErrCodeUnknownError) || apierrors.IsRetryable(err) {
		t.Fatalf("expected UNKNOWN_ERROR, got %v", err)
	}
}

func TestGetPurchaseAndActive(t *testing.T) {
	store := storage.NewMemoryStore()
	for _, p := range []purchases.Purchase{
		{TransactionID: "a", ProductID: "premium_unlock", PurchasedAt: fixedNow, IsVerified: true},
		{TransactionID: "b", ProductID: "premium_unlock", PurchasedAt: fixedNow, IsVerified: false},
	} {
		if err := store.Insert(context.Background(), p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f := newFixture(t, store)

	if p, err := f.svc.GetPurchase(context.Background(), ""); p != nil || err != nil {
		t.Errorf("empty id: %v %v", p, err)
	}
	if p, err := f.svc.GetPurchase(context.Background(), "missing"); p != nil || err != nil {
		t.Errorf("unknown id: %v %v", p, err)
	}
	p, err := f.svc.GetPurchase(context.Background(), "a")
	if err != nil || p == nil || len(p.UnlockedFeatures) != 1 {
		t.Fatalf("known id: %+v %v", p, err)
	}

	active, err := f.svc.GetActivePurchases(context.Background())
	if err != nil || len(active) != 1 || active[0].TransactionID != "a" {
		t.Fatalf("active: %+v %v", active, err)
	}

	broken := newFixture(t, brokenStore{err: errors.New("disk I/O error")})
	if _, err := broken.svc.GetActivePurchases(context.Background()); !apierrors.Is(err, apierrors.ErrCodeDBError) {
		t.Errorf("expected DB_ERROR, got %v", err)
	}
	if _, err := broken.svc.GetPurchase(context.Background(), "a"); !apierrors.Is(err, apierrors.ErrCodeDBError) {
		t.Errorf("expected DB_ERROR, got %v", err)
	}
}
