package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/verifier"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newValidator() (*Validator, *clock) {
	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewValidator(WithClock(c.now)), c
}

var valid = verifier.Result{IsValid: true, TransactionID: "t1", ProductID: "premium_unlock"}

func TestCacheRejectsEmptyReceipt(t *testing.T) {
	v, _ := newValidator()
	if err := v.CacheVerificationResult("", valid); !apierrors.Is(err, apierrors.ErrCodeInvalidInput) {
		t.Fatalf("want INVALID_INPUT, got %v", err)
	}
}

func TestVerifyOfflineMiss(t *testing.T) {
	v, _ := newValidator()
	got := v.VerifyReceiptOffline("unknown")
	if got.IsValid || got.Source != SourceNone || got.Error != apierrors.ErrCodeReceiptNotCached {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestVerifyOfflineFreshReturnsStoredVerdict(t *testing.T) {
	v, _ := newValidator()
	_ = v.CacheVerificationResult("good", valid)
	_ = v.CacheVerificationResult("bad", verifier.Result{IsValid: false, Reason: "signature mismatch"})

	got := v.VerifyReceiptOffline("good")
	if !got.IsValid || got.Source != SourceCache || got.Error != "" || got.RequiresRevalidation {
		t.Fatalf("unexpected %+v", got)
	}
	if bad := v.VerifyReceiptOffline("bad"); bad.IsValid || bad.Source != SourceCache {
		t.Fatalf("cached invalid verdict must stay invalid: %+v", bad)
	}
}

func TestVerifyOfflineExpiredDegradesGracefully(t *testing.T) {
	v, c := newValidator()
	_ = v.CacheVerificationResult("good", valid)
	c.advance(DefaultTTL)

	got := v.VerifyReceiptOffline("good")
	if !got.IsValid || !got.RequiresRevalidation || got.Error != apierrors.ErrCodeCacheExpired {
		t.Fatalf("unexpected %+v", got)
	}
	if n := len(v.GetPendingRevalidations()); n != 1 {
		t.Fatalf("expired entry should be pending, got %d", n)
	}
}

func TestCacheOverwritesPriorEntry(t *testing.T) {
	v, _ := newValidator()
	_ = v.CacheVerificationResult("r", valid)
	_ = v.CacheVerificationResult("r", verifier.Result{IsValid: false})
	if got := v.VerifyReceiptOffline("r"); got.IsValid {
		t.Fatalf("overwrite lost: %+v", got)
	}
	if s := v.Stats(); s.Total != 1 {
		t.Fatalf("expected one entry, got %+v", s)
	}
}

func TestEntriesAreKeyedByHash(t *testing.T) {
	v, _ := newValidator()
	_ = v.CacheVerificationResult("raw-receipt", valid)
	v.NotifyNetworkRestoration()
	pending := v.GetPendingRevalidations()
	if len(pending) != 1 || pending[0].Key != purchases.ReceiptKey("raw-receipt") {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestRevalidationLifecycle(t *testing.T) {
	v, c := newValidator()
	_ = v.CacheVerificationResult("r1", valid)

	if err := v.MarkRevalidationComplete("missing", valid); !apierrors.Is(err, apierrors.ErrCodeReceiptNotFound) {
		t.Fatalf("want RECEIPT_NOT_FOUND, got %v", err)
	}
	if err := v.MarkRevalidationComplete("r1", valid); !apierrors.Is(err, apierrors.ErrCodeNotPendingRevalidation) {
		t.Fatalf("want NOT_PENDING_REVALIDATION, got %v", err)
	}

	c.advance(time.Minute)
	if n := v.NotifyNetworkRestoration(); n != 1 {
		t.Fatalf("expected one flagged entry, got %d", n)
	}
	pending := v.GetPendingRevalidations()
	if len(pending) != 1 || pending[0].RevalidationRequestedAt == nil || !pending[0].RevalidationRequestedAt.Equal(c.t) {
		t.Fatalf("unexpected pending %+v", pending)
	}

	if err := v.MarkRevalidationComplete("r1", verifier.Result{IsValid: false}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(v.GetPendingRevalidations()) != 0 {
		t.Fatal("entry still pending after completion")
	}
	got := v.VerifyReceiptOffline("r1")
	if got.IsValid || got.RequiresRevalidation || got.Error != "" {
		t.Fatalf("unexpected refreshed verdict %+v", got)
	}
	if !got.ExpiresAt.Equal(c.t.Add(DefaultTTL)) {
		t.Fatalf("ttl not restarted: %v", got.ExpiresAt)
	}
}

type stubVerifier struct {
	results map[string]verifier.Result
	err     error
	calls   []string
}

func (s *stubVerifier) VerifyReceiptSignature(_ context.Context, receipt, signature string, platform purchases.Platform) (verifier.Result, error) {
	s.calls = append(s.calls, receipt+"|"+signature+"|"+string(platform))
	if s.err != nil {
		return verifier.Result{}, s.err
	}
	return s.results[receipt], nil
}

func TestRevalidatePending(t *testing.T) {
	v, _ := newValidator()
	_ = v.CacheVerificationResult("android-receipt", valid, WithRevalidationContext("sig", purchases.PlatformAndroid))
	_ = v.CacheVerificationResult("no-context", valid)
	v.NotifyNetworkRestoration()

	stub := &stubVerifier{results: map[string]verifier.Result{"android-receipt": {IsValid: false, Reason: "revoked"}}}
	out, err := v.RevalidatePending(context.Background(), stub)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if out != (Revalidation{Revalidated: 1, Skipped: 1}) {
		t.Fatalf("unexpected %+v", out)
	}
	if len(stub.calls) != 1 || stub.calls[0] != "android-receipt|sig|android" {
		t.Fatalf("unexpected verifier calls %v", stub.calls)
	}
	if got := v.VerifyReceiptOffline("android-receipt"); got.IsValid || got.RequiresRevalidation {
		t.Fatalf("revalidated verdict not applied: %+v", got)
	}
	if s := v.Stats(); s.Pending != 1 {
		t.Fatalf("context-less entry should stay pending: %+v", s)
	}
}

func TestRevalidatePendingKeepsEntryOnVerifierError(t *testing.T) {
	v, _ := newValidator()
	_ = v.CacheVerificationResult("r", valid, WithRevalidationContext("r", purchases.PlatformIOS))
	v.NotifyNetworkRestoration()

	out, err := v.RevalidatePending(context.Background(), &stubVerifier{err: errors.New("timeout")})
	if err != nil || out.Failed != 1 {
		t.Fatalf("unexpected %+v %v", out, err)
	}
	if len(v.GetPendingRevalidations()) != 1 {
		t.Fatal("failed revalidation must leave the entry pending")
	}
}

func TestClearCacheAndStats(t *testing.T) {
	v, c := newValidator()
	_ = v.CacheVerificationResult("a", valid)
	c.advance(DefaultTTL + time.Second)
	_ = v.CacheVerificationResult("b", valid)

	s := v.Stats()
	if s != (Stats{Total: 2, Fresh: 1, Expired: 1, Pending: 1}) {
		t.Fatalf("unexpected stats %+v", s)
	}
	v.ClearCache()
	if s := v.Stats(); s.Total != 0 {
		t.Fatalf("cache not cleared: %+v", s)
	}
}

func TestCustomTTL(t *testing.T) {
	c := &clock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	v := NewValidator(WithClock(c.now), WithTTL(time.Hour))
	_ = v.CacheVerificationResult("r", valid)
	c.advance(59 * time.Minute)
	if got := v.VerifyReceiptOffline("r"); got.Error != "" {
		t.Fatalf("should still be fresh: %+v", got)
	}
	c.advance(time.Minute)
	if got := v.VerifyReceiptOffline("r"); got.Error != apierrors.ErrCodeCacheExpired {
		t.Fatalf("should be expired: %+v", got)
	}
}
