package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/auth"
	"github.com/CedrosPay/entitlements/internal/callbacks"
	"github.com/CedrosPay/entitlements/internal/config"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/gating"
	"github.com/CedrosPay/entitlements/internal/idempotency"
	"github.com/CedrosPay/entitlements/internal/offline"
	"github.com/CedrosPay/entitlements/internal/privacy"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/reconcile"
	"github.com/CedrosPay/entitlements/internal/recovery"
	"github.com/CedrosPay/entitlements/internal/restore"
	"github.com/CedrosPay/entitlements/internal/securestore"
	"github.com/CedrosPay/entitlements/internal/storage"
)

type stubPurchases struct {
	store    *storage.MemoryStore
	launches int
}

func (s *stubPurchases) PurchaseProduct(ctx context.Context, productID string) (purchases.Purchase, error) {
	s.launches++
	if productID == "" {
		return purchases.Purchase{}, apierrors.New(apierrors.ErrCodeInvalidInput, "product id is required")
	}
	return purchases.Purchase{TransactionID: "t-new", ProductID: productID, IsVerified: true}, nil
}

func (s *stubPurchases) VerifyAndSavePurchase(ctx context.Context, tx purchases.Transaction) (purchases.Purchase, error) {
	if tx.Signature == "bad" {
		return purchases.Purchase{}, apierrors.New(apierrors.ErrCodeVerificationFailed, "signature mismatch")
	}
	p := purchases.Purchase{TransactionID: tx.TransactionID, ProductID: tx.ProductID, PurchasedAt: tx.PurchaseDate, IsVerified: true}
	return p, s.store.Insert(ctx, p)
}

func (s *stubPurchases) GetActivePurchases(ctx context.Context) ([]purchases.Purchase, error) {
	return s.store.Select(ctx, storage.Filter{IsVerified: storage.Bool(true)})
}

func (s *stubPurchases) GetPurchase(ctx context.Context, id string) (*purchases.Purchase, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return &p, err
}

type blockingRestorer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRestorer) RestorePurchases(context.Context) (restore.Result, error) {
	if b.started != nil {
		close(b.started)
		<-b.release
	}
	return restore.Result{RestoredCount: 2, NewCount: 1, UpdatedCount: 1}, nil
}

type noHistory struct{}

func (noHistory) LaunchPurchaseFlow(context.Context, string) (purchases.Transaction, error) {
	return purchases.Transaction{}, errors.New("not used")
}

func (noHistory) RequestAllPurchaseHistory(context.Context) ([]purchases.Transaction, error) {
	return nil, nil
}

type fixedHistory struct{ txs []purchases.Transaction }

func (fixedHistory) LaunchPurchaseFlow(context.Context, string) (purchases.Transaction, error) {
	return purchases.Transaction{}, errors.New("not used")
}

func (h fixedHistory) RequestAllPurchaseHistory(context.Context) ([]purchases.Transaction, error) {
	return h.txs, nil
}

type fixture struct {
	router    chi.Router
	purchases *stubPurchases
	store     *storage.MemoryStore
	tokens    *auth.TokenVerifier
	restorer  *blockingRestorer
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{}
	if mutate != nil {
		mutate(cfg)
	}
	store := storage.NewMemoryStore()
	tokens, err := auth.NewTokenVerifier("secret", "entitlements")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	restorer := &blockingRestorer{}
	stub := &stubPurchases{store: store}
	dlq := callbacks.NewMemoryDLQStore()
	_ = dlq.SaveFailedDelivery(context.Background(), callbacks.FailedDelivery{ID: "evt_1", EventType: callbacks.EventTypeAnomaly})
	replays := idempotency.NewMemoryStore()
	t.Cleanup(func() { _ = replays.Close() })

	platform := fixedHistory{txs: []purchases.Transaction{
		{TransactionID: "t-platform", ProductID: "premium_unlock", PurchaseDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, Dependencies{
		Purchases:   stub,
		Idempotency: replays,
		Restore:     restore.NewGate(restorer),
		Reconcile:   reconcile.NewReconciler(platform, store),
		Recovery:    recovery.NewHandler(noHistory{}, store),
		Gating:      gating.NewService(gating.DefaultCatalog(), store),
		Store:       store,
		Offline:     offline.NewValidator(),
		Privacy:     privacy.NewHandler(store, securestore.NewMemoryStore()),
		Authz:       privacy.NewAuthorizationService(zerolog.Nop()),
		Tokens:      tokens,
		AlertDLQ:    dlq,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      zerolog.Nop(),
	})
	return &fixture{router: router, purchases: stub, store: store, tokens: tokens, restorer: restorer}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	detail, _ := body["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestPurchaseErrorsUseStandardBody(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/purchases", map[string]string{"productId": ""}, "")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_INPUT" {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/purchases", map[string]string{"productId": "premium_unlock"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/purchases/unknown", nil, "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}
}

func TestPurchaseLaunchIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	send := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"productId":"premium_unlock"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/purchases", body)
		req.Header.Set(idempotency.HeaderKey, "launch-1")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}
	first, second := send(), send()
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
	if f.purchases.launches != 1 {
		t.Fatalf("purchase sheet launched %d times", f.purchases.launches)
	}
	if second.Header().Get(idempotency.ReplayHeader) != "true" {
		t.Fatal("second response should be a replay")
	}
}

func TestVerifyPurchaseRoute(t *testing.T) {
	f := newFixture(t, nil)
	tx := purchases.Transaction{
		TransactionID: "t1",
		ProductID:     "premium_unlock",
		PurchaseDate:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		ReceiptData:   "receipt-t1",
		Platform:      purchases.PlatformIOS,
	}
	rec := f.do(t, http.MethodPost, "/v1/purchases/verify", map[string]any{"transaction": tx}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	if body := decode(t, rec); body["transactionId"] != "t1" || body["isVerified"] != true {
		t.Fatalf("unexpected purchase %v", body)
	}

	tx.Signature = "bad"
	tx.Platform = purchases.PlatformAndroid
	rec = f.do(t, http.MethodPost, "/v1/purchases/verify", map[string]any{"transaction": tx}, "")
	if rec.Code != http.StatusPaymentRequired || errorCode(t, rec) != "VERIFICATION_FAILED" {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}
}

func TestRestoreReturnsCountsAndRejectsOverlap(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/purchases/restore", nil, "")
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["restoredCount"] != float64(2) || body["newCount"] != float64(1) {
		t.Fatalf("unexpected %d %v", rec.Code, body)
	}

	f.restorer.started = make(chan struct{})
	f.restorer.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		f.do(t, http.MethodPost, "/v1/purchases/restore", nil, "")
		close(done)
	}()
	<-f.restorer.started

	rec = f.do(t, http.MethodPost, "/v1/purchases/restore", nil, "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "RESTORE_IN_PROGRESS" {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}
	close(f.restorer.release)
	<-done
}

func TestReconcileMatchesPlatformHistory(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.Insert(context.Background(), purchases.Purchase{TransactionID: "t-orphan", ProductID: "remove_ads", IsVerified: true})

	rec := f.do(t, http.MethodPost, "/v1/purchases/reconcile", nil, "")
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["newCount"] != float64(1) || body["deletedCount"] != float64(1) {
		t.Fatalf("unexpected %d %v", rec.Code, body)
	}
	if _, err := f.store.Get(context.Background(), "t-orphan"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphan row should be deleted, got %v", err)
	}
	if _, err := f.store.Get(context.Background(), "t-platform"); err != nil {
		t.Fatalf("platform row missing: %v", err)
	}
}

func TestRestoreIsRateLimited(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RestoreLimit: 1, RestoreWindow: config.Duration{Duration: time.Minute}}
	})
	if rec := f.do(t, http.MethodPost, "/v1/purchases/restore", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("first restore: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/purchases/restore", nil, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second restore should be limited, got %d", rec.Code)
	}
}

func TestFeatureRoutes(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(t, http.MethodGet, "/v1/features/basic_search/access?mode=sync", nil, ""))
	if body["granted"] != true {
		t.Fatalf("free feature should be granted: %v", body)
	}
	body = decode(t, f.do(t, http.MethodGet, "/v1/features/advanced_filters/access", nil, ""))
	if body["granted"] != false || body["mode"] != "async" {
		t.Fatalf("premium feature without purchase should be denied: %v", body)
	}
	if rec := f.do(t, http.MethodGet, "/v1/features/basic_search/access?mode=later", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode should be rejected, got %d", rec.Code)
	}

	body = decode(t, f.do(t, http.MethodGet, "/v1/products/premium_unlock/features", nil, ""))
	features, _ := body["features"].([]any)
	if len(features) != 2 {
		t.Fatalf("expected two premium features, got %v", body)
	}
}

func TestUserRoutesRequireOwner(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.Insert(context.Background(), purchases.Purchase{TransactionID: "t1", ProductID: "p"})
	alice, _ := f.tokens.Issue("alice", time.Hour)

	if rec := f.do(t, http.MethodGet, "/v1/users/alice/purchases", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous should get 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/users/bob/purchases", nil, alice); rec.Code != http.StatusForbidden {
		t.Fatalf("other user should get 403, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/v1/users/alice/purchases", nil, alice)
	if rec.Code != http.StatusOK || decode(t, rec)["count"] != float64(1) {
		t.Fatalf("owner should see history: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/v1/users/alice/purchases", nil, alice)
	if rec.Code != http.StatusOK || f.store.Len() != 0 {
		t.Fatalf("erasure failed: %d %s len=%d", rec.Code, rec.Body.String(), f.store.Len())
	}
}

func TestMetricsRequireKeyWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.MetricsAPIKey = "scrape" })
	if rec := f.do(t, http.MethodGet, "/metrics", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", nil, "scrape"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestRecoveryRoutes(t *testing.T) {
	f := newFixture(t, nil)
	body := decode(t, f.do(t, http.MethodGet, "/v1/recovery/status", nil, ""))
	corruption, _ := body["corruption"].(map[string]any)
	if corruption["isCorrupted"] != false {
		t.Fatalf("unexpected status %v", body)
	}
	body = decode(t, f.do(t, http.MethodPost, "/v1/recovery/run", nil, ""))
	validation, _ := body["validation"].(map[string]any)
	if validation["isValid"] != true {
		t.Fatalf("unexpected run %v", body)
	}
}

func TestFailedAlertRoutes(t *testing.T) {
	f := newFixture(t, nil)
	body := decode(t, f.do(t, http.MethodGet, "/v1/alerts/failed", nil, ""))
	if body["count"] != float64(1) {
		t.Fatalf("expected one failed alert, got %v", body)
	}
	if rec := f.do(t, http.MethodGet, "/v1/alerts/failed?limit=x", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should be rejected, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/v1/alerts/failed/evt_1", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	body = decode(t, f.do(t, http.MethodGet, "/v1/alerts/failed", nil, ""))
	if body["count"] != float64(0) {
		t.Fatalf("expected empty dlq, got %v", body)
	}
}

func TestOperatorRoutesRequireKeyWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.OperatorAPIKeys = []string{"ops"} })
	if rec := f.do(t, http.MethodGet, "/v1/alerts/failed", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/recovery/run", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for recovery run, got %d", rec.Code)
	}
	// Status stays public.
	if rec := f.do(t, http.MethodGet, "/v1/recovery/status", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("recovery status: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts/failed", nil)
	req.Header.Set("X-API-Key", "ops")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}
