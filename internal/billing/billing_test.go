package billing

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

func TestBridgeLaunchAndHistory(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/purchases":
			var req launchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(purchases.Transaction{
				TransactionID: "tx-1", ProductID: req.ProductID, PurchaseDate: when,
				ReceiptData: "receipt", Platform: purchases.PlatformIOS,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/purchases/history":
			_, _ = w.Write([]byte(`{"transactions":[{"transactionId":"tx-1","productId":"p","purchaseDate":"2024-05-01T12:00:00Z"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL+"/", time.Second)
	tx, err := c.LaunchPurchaseFlow(context.Background(), "premium_unlock")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if tx.TransactionID != "tx-1" || tx.ProductID != "premium_unlock" || !tx.PurchaseDate.Equal(when) {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	history, err := c.RequestAllPurchaseHistory(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].TransactionID != "tx-1" {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestBridgeErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      ErrorCode
		retryable bool
	}{
		{"payload cancelled", http.StatusConflict, `{"code":"PURCHASE_CANCELLED","message":"closed"}`, CodePurchaseCancelled, false},
		{"payload retryable flag kept", http.StatusBadGateway, `{"code":"STORE_PROBLEM_ERROR","message":"x","retryable":true}`, CodeStoreProblem, true},
		{"unknown payload code", http.StatusBadRequest, `{"code":"SOMETHING_NEW"}`, CodeUnknown, false},
		{"bare 503", http.StatusServiceUnavailable, ``, CodeStoreProblem, true},
		{"bare 404", http.StatusNotFound, `not json`, CodeUnexpectedBackendResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewBridgeClient(srv.URL, time.Second).LaunchPurchaseFlow(context.Background(), "p")
			var pe *PurchaseError
			if !stderrors.As(err, &pe) {
				t.Fatalf("expected PurchaseError, got %v", err)
			}
			if pe.Code != tt.code || pe.CanRetry != tt.retryable {
				t.Errorf("got %s retryable=%v, want %s retryable=%v", pe.Code, pe.CanRetry, tt.code, tt.retryable)
			}
		})
	}
}

func TestBridgeUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewBridgeClient(url, time.Second).RequestAllPurchaseHistory(context.Background())
	var pe *PurchaseError
	if !stderrors.As(err, &pe) || pe.Code != CodeNetworkError || !pe.CanRetry {
		t.Fatalf("expected retryable NETWORK_ERROR, got %v", err)
	}
}

func TestFlowErrorMapping(t *testing.T) {
	tests := []struct {
		in   error
		want apierrors.ErrorCode
	}{
		{NewPurchaseError(CodePurchaseCancelled, "x", nil), apierrors.ErrCodeCancelled},
		{NewPurchaseError(CodeNetworkError, "x", nil), apierrors.ErrCodeNetworkError},
		{NewPurchaseError(CodeStoreProblem, "x", nil), apierrors.ErrCodeNetworkError},
		{NewPurchaseError(CodePurchaseNotAllowed, "x", nil), apierrors.ErrCodeUnknownError},
		{stderrors.New("boom"), apierrors.ErrCodeUnknownError},
	}
	for _, tt := range tests {
		if got := FlowError(tt.in).Code; got != tt.want {
			t.Errorf("FlowError(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if FlowError(NewPurchaseError(CodePurchaseCancelled, "x", nil)).Retryable() {
		t.Error("cancellation must not be retryable")
	}
}

func TestHistoryErrorMapping(t *testing.T) {
	if got := HistoryError(NewPurchaseError(CodeStoreProblem, "x", nil)).Code; got != apierrors.ErrCodeStoreProblem {
		t.Errorf("store problem mapped to %s", got)
	}
	if got := HistoryError(NewPurchaseError(CodeNetworkError, "x", nil)).Code; got != apierrors.ErrCodeNetworkError {
		t.Errorf("network mapped to %s", got)
	}
	if got := HistoryError(NewPurchaseError(CodeConfigurationError, "x", nil)).Code; got != apierrors.ErrCodeUnknownError {
		t.Errorf("configuration mapped to %s", got)
	}
}

type stubRepo struct {
	err   error
	calls int
}

func (s *stubRepo) LaunchPurchaseFlow(context.Context, string) (purchases.Transaction, error) {
	s.calls++
	if s.err != nil {
		return purchases.Transaction{}, s.err
	}
	return purchases.Transaction{TransactionID: "tx"}, nil
}

func (s *stubRepo) RequestAllPurchaseHistory(context.Context) ([]purchases.Transaction, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []purchases.Transaction{{TransactionID: "tx"}}, nil
}

func breakers() *circuitbreaker.Manager {
	bc := circuitbreaker.BreakerConfig{MaxRequests: 1, Timeout: time.Hour, ConsecutiveFailures: 2}
	return circuitbreaker.NewManager(circuitbreaker.Config{Enabled: true, Billing: bc, AppStore: bc})
}

func TestGuardedOpensOnTransientFailures(t *testing.T) {
	repo := &stubRepo{err: NewPurchaseError(CodeNetworkError, "down", nil)}
	g := NewGuarded(repo, breakers())

	for i := 0; i < 2; i++ {
		_, _ = g.RequestAllPurchaseHistory(context.Background())
	}
	_, err := g.RequestAllPurchaseHistory(context.Background())
	var pe *PurchaseError
	if !stderrors.As(err, &pe) || pe.Code != CodeStoreProblem || !pe.CanRetry {
		t.Fatalf("expected retryable STORE_PROBLEM_ERROR from open breaker, got %v", err)
	}
	if repo.calls != 2 {
		t.Errorf("open breaker should short-circuit, calls=%d", repo.calls)
	}
}

func TestGuardedIgnoresCancellations(t *testing.T) {
	repo := &stubRepo{err: NewPurchaseError(CodePurchaseCancelled, "closed", nil)}
	m := breakers()
	g := NewGuarded(repo, m)

	for i := 0; i < 5; i++ {
		_, err := g.LaunchPurchaseFlow(context.Background(), "p")
		var pe *PurchaseError
		if !stderrors.As(err, &pe) || pe.Code != CodePurchaseCancelled {
			t.Fatalf("expected cancellation passthrough, got %v", err)
		}
	}
	if m.State(circuitbreaker.ServiceBilling) != "closed" {
		t.Fatalf("cancellations tripped the breaker")
	}

	repo.err = nil
	tx, err := g.LaunchPurchaseFlow(context.Background(), "p")
	if err != nil || tx.TransactionID != "tx" {
		t.Fatalf("expected success, got %+v %v", tx, err)
	}
}
