// Package errorlog keeps an in-memory audit trail of purchase errors, watches it for
// error-rate anomalies and exports it as gzipped JSON bundles.
package errorlog

import (
	stderrors "errors"
	"runtime/debug"
	"sync"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Entry is one audit record.
type Entry struct {
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Code      apierrors.ErrorCode `json:"errorCode"`
	Message   string              `json:"message"`
	Retryable bool                `json:"retryable"`
	Platform  purchases.Platform  `json:"platform,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
	Stack     string              `json:"stack,omitempty"`
}

// Sink receives structured error records from the entitlement services.
type Sink interface {
	LogError(code apierrors.ErrorCode, message string, retryable bool, opts ...EntryOption)
	LogPurchaseError(err error, platform purchases.Platform, metadata map[string]string)
}

// EntryOption decorates an entry before it is stored.
type EntryOption func(*Entry)

func WithPlatform(p purchases.Platform) EntryOption {
	return func(e *Entry) { e.Platform = p }
}

func WithMetadata(md map[string]string) EntryOption {
	return func(e *Entry) {
		if len(md) == 0 {
			return
		}
		e.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithStack attaches the current goroutine stack.
func WithStack() EntryOption {
	return func(e *Entry) { e.Stack = string(debug.Stack()) }
}

// Filter selects entries. Zero values match everything.
type Filter struct {
	Since    time.Time
	Until    time.Time
	Codes    []apierrors.ErrorCode
	Platform purchases.Platform
}

func (f Filter) matches(e Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if len(f.Codes) == 0 {
		return true
	}
	for _, c := range f.Codes {
		if c == e.Code {
			return true
		}
	}
	return false
}

// Logger is a bounded ring of entries. When full the oldest entry is dropped.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	watchers []func(Entry)
}

// Option configures a Logger.
type Option func(*Logger)

func WithLogger(l zerolog.Logger) Option { return func(lg *Logger) { lg.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(lg *Logger) { lg.metrics = m } }

func WithClock(now func() time.Time) Option { return func(lg *Logger) { lg.now = now } }

// NewLogger creates a ring holding up to capacity entries.
func NewLogger(capacity int, opts ...Option) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Logger{
		entries: make([]Entry, capacity),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) LogError(code apierrors.ErrorCode, message string, retryable bool, opts ...EntryOption) {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
	for _, opt := range opts {
		opt(&entry)
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	watchers := l.watchers
	l.mu.Unlock()

	evt := l.log.Warn()
	if !retryable {
		evt = l.log.Error()
	}
	evt.Str("error_code", string(code)).
		Bool("retryable", retryable).
		Str("platform", string(entry.Platform)).
		Str("entry_id", entry.ID).
		Msg(message)
	l.metrics.ObserveErrorLogEntry(string(code), retryable)

	for _, fn := range watchers {
		fn(entry)
	}
}

// LogPurchaseError records err using its embedded code. Cancellations are skipped
// because they are a silent user outcome, not a failure.
func (l *Logger) LogPurchaseError(err error, platform purchases.Platform, metadata map[string]string) {
	if err == nil {
		return
	}
	code := apierrors.CodeOf(err)
	if code == apierrors.ErrCodeCancelled {
		return
	}
	message := err.Error()
	var e *apierrors.Error
	if stderrors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	l.LogError(code, message, apierrors.IsRetryable(err), WithPlatform(platform), WithMetadata(metadata))
}

// Watch registers fn to run after every stored entry.
func (l *Logger) Watch(fn func(Entry)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Entries returns matching entries oldest first.
func (l *Logger) Entries(filter Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	appendMatching := func(from, to int) {
		for i := from; i < to; i++ {
			if filter.matches(l.entries[i]) {
				out = append(out, l.entries[i])
			}
		}
	}
	if l.full {
		appendMatching(l.next, len(l.entries))
	}
	appendMatching(0, l.next)
	return out
}

// Len returns the number of stored entries.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear drops every entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LogError(apierrors.ErrorCode, string, bool, ...EntryOption) {}

func (NopSink) LogPurchaseError(error, purchases.Platform, map[string]string) {}
