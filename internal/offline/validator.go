// Package offline caches receipt verdicts so entitlement checks keep working without network.
package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/verifier"
	"github.com/rs/zerolog"
)

const DefaultTTL = 24 * time.Hour

// Source tells where an offline verdict came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceNone  Source = "none"
)

// Entry is one cached verdict, keyed by the SHA-256 of the receipt.
type Entry struct {
	Key                     string          `json:"key"`
	Result                  verifier.Result `json:"result"`
	CachedAt                time.Time       `json:"cachedAt"`
	ExpiresAt               time.Time       `json:"expiresAt"`
	RequiresRevalidation    bool            `json:"requiresRevalidation"`
	RevalidationRequestedAt *time.Time      `json:"revalidationRequestedAt,omitempty"`

	// Set only for entries cached with WithRevalidationContext.
	receipt   string
	signature string
	platform  purchases.Platform
}

// Verdict is the answer to an offline lookup.
type Verdict struct {
	IsValid              bool                `json:"isValid"`
	Source               Source              `json:"source"`
	Result               *verifier.Result    `json:"result,omitempty"`
	RequiresRevalidation bool                `json:"requiresRevalidation"`
	Error                apierrors.ErrorCode `json:"error,omitempty"`
	ExpiresAt            *time.Time          `json:"expiresAt,omitempty"`
}

// Stats summarizes the cache.
type Stats struct {
	Total   int `json:"total"`
	Fresh   int `json:"fresh"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
}

// Revalidation counts the outcome of RevalidatePending.
type Revalidation struct {
	Revalidated int `json:"revalidated"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

type Validator struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Validator)

func WithTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(v *Validator) { v.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(v *Validator) { v.metrics = m } }

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		entries: make(map[string]*Entry),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CacheOption configures a single cache write.
type CacheOption func(*Entry)

// WithRevalidationContext keeps what RevalidatePending needs to re-submit the receipt.
func WithRevalidationContext(signature string, platform purchases.Platform) CacheOption {
	return func(e *Entry) {
		e.signature = signature
		e.platform = platform
	}
}

// CacheVerificationResult stores result for receiptData, replacing any prior entry.
func (v *Validator) CacheVerificationResult(receiptData string, result verifier.Result, opts ...CacheOption) error {
	if receiptData == "" {
		return apierrors.New(apierrors.ErrCodeInvalidInput, "receipt data is required")
	}
	now := v.now().UTC()
	e := &Entry{
		Key:       purchases.ReceiptKey(receiptData),
		Result:    result,
		CachedAt:  now,
		ExpiresAt: now.Add(v.ttl),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.platform != "" {
		e.receipt = receiptData
	}

	v.mu.Lock()
	v.entries[e.Key] = e
	pending := v.pendingLocked(now)
	v.mu.Unlock()

	v.metrics.SetOfflinePending(pending)
	v.logger.Debug().Str("key", e.Key[:12]).Bool("valid", result.IsValid).Msg("offline.cached")
	return nil
}

// VerifyReceiptOffline answers from the cache. Expired entries still return their stale
// verdict, flagged for revalidation.
func (v *Validator) VerifyReceiptOffline(receiptData string) Verdict {
	if receiptData == "" {
		v.metrics.ObserveOfflineLookup("miss")
		return Verdict{Source: SourceNone, Error: apierrors.ErrCodeReceiptNotCached}
	}
	key := purchases.ReceiptKey(receiptData)
	now := v.now().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[key]
	if !ok {
		v.metrics.ObserveOfflineLookup("miss")
		return Verdict{Source: SourceNone, Error: apierrors.ErrCodeReceiptNotCached}
	}

	result := e.Result
	expires := e.ExpiresAt
	verdict := Verdict{
		IsValid:              result.IsValid,
		Source:               SourceCache,
		Result:               &result,
		RequiresRevalidation: e.RequiresRevalidation,
		ExpiresAt:            &expires,
	}
	if !now.Before(e.ExpiresAt) {
		if !e.RequiresRevalidation {
			e.RequiresRevalidation = true
			e.RevalidationRequestedAt = &now
		}
		verdict.RequiresRevalidation = true
		verdict.Error = apierrors.ErrCodeCacheExpired
		v.metrics.ObserveOfflineLookup("expired")
		return verdict
	}
	v.metrics.ObserveOfflineLookup("hit")
	return verdict
}

// NotifyNetworkRestoration flags every entry for a confirmatory re-check.
func (v *Validator) NotifyNetworkRestoration() int {
	now := v.now().UTC()
	v.mu.Lock()
	for _, e := range v.entries {
		e.RequiresRevalidation = true
		at := now
		e.RevalidationRequestedAt = &at
	}
	n := len(v.entries)
	v.mu.Unlock()

	v.metrics.SetOfflinePending(n)
	v.logger.Info().Int("entries", n).Msg("offline.network_restored")
	return n
}

// GetPendingRevalidations lists entries that are flagged or expired, oldest first.
func (v *Validator) GetPendingRevalidations() []Entry {
	now := v.now().UTC()
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range v.entries {
		if e.pending(now) {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CachedAt.Equal(out[j].CachedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CachedAt.Before(out[j].CachedAt)
	})
	return out
}

// MarkRevalidationComplete replaces a pending entry with a fresh verdict.
func (v *Validator) MarkRevalidationComplete(receiptData string, result verifier.Result) error {
	return v.complete(purchases.ReceiptKey(receiptData), result)
}

func (v *Validator) complete(key string, result verifier.Result) error {
	now := v.now().UTC()
	v.mu.Lock()
	e, ok := v.entries[key]
	if !ok {
		v.mu.Unlock()
		return apierrors.New(apierrors.ErrCodeReceiptNotFound, "receipt is not cached")
	}
	if !e.pending(now) {
		v.mu.Unlock()
		return apierrors.New(apierrors.ErrCodeNotPendingRevalidation, "receipt is not pending revalidation")
	}
	v.entries[key] = &Entry{
		Key:       key,
		Result:    result,
		CachedAt:  now,
		ExpiresAt: now.Add(v.ttl),
		receipt:   e.receipt,
		signature: e.signature,
		platform:  e.platform,
	}
	pending := v.pendingLocked(now)
	v.mu.Unlock()

	v.metrics.SetOfflinePending(pending)
	return nil
}

// RevalidatePending re-submits every pending receipt to the authoritative verifier.
// Entries cached without a revalidation context are skipped; verifier errors leave the
// entry pending.
func (v *Validator) RevalidatePending(ctx context.Context, rv verifier.ReceiptVerifier) (Revalidation, error) {
	type job struct {
		key, receipt, signature string
		platform                purchases.Platform
	}
	now := v.now().UTC()
	var jobs []job
	var out Revalidation

	v.mu.Lock()
	for key, e := range v.entries {
		if !e.pending(now) {
			continue
		}
		if e.receipt == "" {
			out.Skipped++
			continue
		}
		jobs = append(jobs, job{key: key, receipt: e.receipt, signature: e.signature, platform: e.platform})
	}
	v.mu.Unlock()

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return out, apierrors.Wrap(apierrors.ErrCodeCancelled, "revalidation interrupted", err)
		}
		result, err := rv.VerifyReceiptSignature(ctx, j.receipt, j.signature, j.platform)
		if err != nil {
			out.Failed++
			v.logger.Warn().Err(err).Str("key", j.key[:12]).Msg("offline.revalidation_failed")
			continue
		}
		if err := v.complete(j.key, result); err != nil {
			// Cleared or already refreshed concurrently.
			out.Skipped++
			continue
		}
		out.Revalidated++
	}

	v.logger.Info().
		Int("revalidated", out.Revalidated).
		Int("failed", out.Failed).
		Int("skipped", out.Skipped).
		Msg("offline.revalidation_completed")
	return out, nil
}

// ClearCache drops every entry.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	v.entries = make(map[string]*Entry)
	v.mu.Unlock()
	v.metrics.SetOfflinePending(0)
}

func (v *Validator) Stats() Stats {
	now := v.now().UTC()
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Stats{Total: len(v.entries)}
	for _, e := range v.entries {
		if now.Before(e.ExpiresAt) {
			s.Fresh++
		} else {
			s.Expired++
		}
		if e.pending(now) {
			s.Pending++
		}
	}
	return s
}

func (v *Validator) pendingLocked(now time.Time) int {
	n := 0
	for _, e := range v.entries {
		if e.pending(now) {
			n++
		}
	}
	return n
}

func (e *Entry) pending(now time.Time) bool {
	return e.RequiresRevalidation || !now.Before(e.ExpiresAt)
}

// snapshot copies the exported fields; the raw receipt never leaves the package.
func (e *Entry) snapshot() Entry {
	out := Entry{
		Key:                  e.Key,
		Result:               e.Result,
		CachedAt:             e.CachedAt,
		ExpiresAt:            e.ExpiresAt,
		RequiresRevalidation: e.RequiresRevalidation,
	}
	if e.RevalidationRequestedAt != nil {
		at := *e.RevalidationRequestedAt
		out.RevalidationRequestedAt = &at
	}
	return out
}
