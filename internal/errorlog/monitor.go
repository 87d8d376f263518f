package errorlog

import (
	"sort"
	"sync"
	"time"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/rs/zerolog"
)

// Anomaly reports an error code whose count within the window crossed the threshold.
type Anomaly struct {
	Code       apierrors.ErrorCode `json:"code"`
	Count      int                 `json:"count"`
	Window     time.Duration       `json:"window"`
	DetectedAt time.Time           `json:"detectedAt"`
}

// Summary aggregates the entries currently inside the monitoring window.
type Summary struct {
	Total        int                         `json:"total"`
	Retryable    int                         `json:"retryable"`
	ByCode       map[apierrors.ErrorCode]int `json:"byCode"`
	ByPlatform   map[string]int              `json:"byPlatform"`
	WindowStart  time.Time                   `json:"windowStart"`
	RatePerMin   float64                     `json:"ratePerMinute"`
	ActiveAlerts []apierrors.ErrorCode       `json:"activeAlerts,omitempty"`
}

// Monitor tracks error rates over a sliding window.
type Monitor struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int
	events      []Entry
	alerting    map[apierrors.ErrorCode]bool
	subscribers []func(Anomaly)
	now         func() time.Time
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func WithMonitorLogger(l zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = l }
}

func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor flags a code once more than threshold entries share it within window.
func NewMonitor(window time.Duration, threshold int, opts ...MonitorOption) *Monitor {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 10
	}
	m := &Monitor{
		window:    window,
		threshold: threshold,
		alerting:  make(map[apierrors.ErrorCode]bool),
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn to be called once per anomaly onset.
func (m *Monitor) Subscribe(fn func(Anomaly)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Record adds an entry and fires subscribers for codes that just crossed the threshold.
func (m *Monitor) Record(e Entry) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.pruneLocked()
	fired := m.evaluateLocked()
	subs := m.subscribers
	m.mu.Unlock()

	for _, a := range fired {
		m.log.Warn().
			Str("error_code", string(a.Code)).
			Int("count", a.Count).
			Dur("window", a.Window).
			Msg("errorlog.anomaly_detected")
		m.metrics.ObserveAnomaly(string(a.Code))
		for _, fn := range subs {
			fn(a)
		}
	}
}

// DetectAnomalies returns every code currently above the threshold.
func (m *Monitor) DetectAnomalies() []Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	now := m.now()
	var out []Anomaly
	for code, n := range m.countsLocked() {
		if n > m.threshold {
			out = append(out, Anomaly{Code: code, Count: n, Window: m.window, DetectedAt: now})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ErrorRate returns entries per minute over the trailing window (capped at the monitor window).
func (m *Monitor) ErrorRate(window time.Duration) float64 {
	if window <= 0 || window > m.window {
		window = m.window
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	cutoff := m.now().Add(-window)
	n := 0
	for _, e := range m.events {
		if !e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return float64(n) / window.Minutes()
}

func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	s := Summary{
		ByCode:      m.countsLocked(),
		ByPlatform:  make(map[string]int),
		WindowStart: m.now().Add(-m.window),
		Total:       len(m.events),
		RatePerMin:  float64(len(m.events)) / m.window.Minutes(),
	}
	for _, e := range m.events {
		if e.Retryable {
			s.Retryable++
		}
		platform := string(e.Platform)
		if platform == "" {
			platform = "unknown"
		}
		s.ByPlatform[platform]++
	}
	for code := range m.alerting {
		s.ActiveAlerts = append(s.ActiveAlerts, code)
	}
	sort.Slice(s.ActiveAlerts, func(i, j int) bool { return s.ActiveAlerts[i] < s.ActiveAlerts[j] })
	return s
}

func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.window)
	i := 0
	for i < len(m.events) && m.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.events = append(m.events[:0], m.events[i:]...)
	}
}

func (m *Monitor) countsLocked() map[apierrors.ErrorCode]int {
	counts := make(map[apierrors.ErrorCode]int)
	for _, e := range m.events {
		counts[e.Code]++
	}
	return counts
}

// evaluateLocked returns anomalies that started with this record and clears codes
// that fell back under the threshold.
func (m *Monitor) evaluateLocked() []Anomaly {
	counts := m.countsLocked()
	now := m.now()
	var fired []Anomaly
	for code, n := range counts {
		if n > m.threshold && !m.alerting[code] {
			m.alerting[code] = true
			fired = append(fired, Anomaly{Code: code, Count: n, Window: m.window, DetectedAt: now})
		}
	}
	for code := range m.alerting {
		if counts[code] <= m.threshold {
			delete(m.alerting, code)
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].Code < fired[j].Code })
	return fired
}
