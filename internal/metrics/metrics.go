package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the entitlement service.
// Every Observe method is safe to call on a nil *Metrics.
type Metrics struct {
	// Purchase flow
	PurchasesTotal       *prometheus.CounterVec
	PurchaseDuration     *prometheus.HistogramVec
	PurchaseRetriesTotal *prometheus.CounterVec

	// Restore / reconcile
	RestoreRunsTotal        *prometheus.CounterVec
	RestoreRecordsTotal     *prometheus.CounterVec
	ReconcileRunsTotal      *prometheus.CounterVec
	ReconcileRecordsTotal   *prometheus.CounterVec
	ReconcileLastSuccessful prometheus.Gauge

	// Recovery
	RecoveryRunsTotal      *prometheus.CounterVec
	RecoveryRecordsTotal   *prometheus.CounterVec
	DatabaseCorruptedGauge prometheus.Gauge

	// Gating / offline
	GatingDecisionsTotal *prometheus.CounterVec
	OfflineLookupsTotal  *prometheus.CounterVec
	OfflinePendingGauge  prometheus.Gauge

	// Error log
	ErrorLogEntriesTotal *prometheus.CounterVec
	AnomalyAlertsTotal   *prometheus.CounterVec
	ExportsTotal         *prometheus.CounterVec
	AlertDeliveriesTotal *prometheus.CounterVec

	// Infrastructure
	CircuitBreakerTransitions *prometheus.CounterVec
	RateLimitHitsTotal        *prometheus.CounterVec
	DBQueryDuration           *prometheus.HistogramVec
	DBConnectionsOpen         prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_purchases_total",
				Help: "Purchase flow outcomes by operation and result code",
			},
			[]string{"operation", "outcome"},
		),
		PurchaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_purchase_duration_seconds",
				Help:    "Time taken by purchase flow operations, including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		PurchaseRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_retries_total",
				Help: "Retries of retryable failures by operation",
			},
			[]string{"operation"},
		),

		RestoreRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_restore_runs_total",
				Help: "Restore runs by status",
			},
			[]string{"status"},
		),
		RestoreRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_restore_records_total",
				Help: "Platform transactions processed by restore (new, updated, skipped)",
			},
			[]string{"kind"},
		),
		ReconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_reconcile_runs_total",
				Help: "Reconciliation runs by status",
			},
			[]string{"status"},
		),
		ReconcileRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_reconcile_records_total",
				Help: "Records touched by reconciliation (new, updated, deleted, failed)",
			},
			[]string{"kind"},
		),
		ReconcileLastSuccessful: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitlements_reconcile_last_success_timestamp_seconds",
				Help: "Unix time of the last successful reconciliation",
			},
		),

		RecoveryRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_recovery_runs_total",
				Help: "Startup recovery runs by outcome (healthy, recovered, failed)",
			},
			[]string{"outcome"},
		),
		RecoveryRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_recovery_records_total",
				Help: "Records touched by reconstruction (inserted, updated, failed)",
			},
			[]string{"kind"},
		),
		DatabaseCorruptedGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitlements_database_corrupted",
				Help: "1 when the last corruption check failed to read the purchase table",
			},
		),

		GatingDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_gating_decisions_total",
				Help: "Feature access decisions by mode and result",
			},
			[]string{"mode", "decision", "reason"},
		),
		OfflineLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_offline_lookups_total",
				Help: "Offline receipt cache lookups (hit, expired, miss)",
			},
			[]string{"result"},
		),
		OfflinePendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitlements_offline_pending_revalidations",
				Help: "Cached receipts waiting for revalidation",
			},
		),

		ErrorLogEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_error_log_entries_total",
				Help: "Entries written to the error log by code",
			},
			[]string{"code", "retryable"},
		),
		AnomalyAlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_anomaly_alerts_total",
				Help: "Error-rate anomalies detected by code",
			},
			[]string{"code"},
		),
		ExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_log_exports_total",
				Help: "Log export attempts by status",
			},
			[]string{"status"},
		),

		CircuitBreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"service", "to"},
		),
		AlertDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_alert_deliveries_total",
				Help: "Anomaly webhook deliveries by final status (success, failed, dlq)",
			},
			[]string{"status"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"route"},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_db_query_duration_seconds",
				Help:    "Purchase store operation duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitlements_db_connections_open",
				Help: "Open connections in the shared postgres pool",
			},
		),
	}
}

// ObservePurchase records a purchase flow result; outcome is "success" or an error code.
func (m *Metrics) ObservePurchase(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(operation, outcome).Inc()
	m.PurchaseDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.PurchaseRetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveRestore records a restore run and its per-record counts.
func (m *Metrics) ObserveRestore(status string, newCount, updatedCount, skipped int) {
	if m == nil {
		return
	}
	m.RestoreRunsTotal.WithLabelValues(status).Inc()
	m.RestoreRecordsTotal.WithLabelValues("new").Add(float64(newCount))
	m.RestoreRecordsTotal.WithLabelValues("updated").Add(float64(updatedCount))
	m.RestoreRecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveReconcile records a reconciliation run.
func (m *Metrics) ObserveReconcile(status string, newCount, updatedCount, deletedCount, failed int, at time.Time) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
	m.ReconcileRecordsTotal.WithLabelValues("new").Add(float64(newCount))
	m.ReconcileRecordsTotal.WithLabelValues("updated").Add(float64(updatedCount))
	m.ReconcileRecordsTotal.WithLabelValues("deleted").Add(float64(deletedCount))
	m.ReconcileRecordsTotal.WithLabelValues("failed").Add(float64(failed))
	if status == "success" {
		m.ReconcileLastSuccessful.Set(float64(at.Unix()))
	}
}

func (m *Metrics) ObserveRecovery(outcome string) {
	if m == nil {
		return
	}
	m.RecoveryRunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconstruction(inserted, updated, failed int) {
	if m == nil {
		return
	}
	m.RecoveryRecordsTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.RecoveryRecordsTotal.WithLabelValues("updated").Add(float64(updated))
	m.RecoveryRecordsTotal.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) SetCorrupted(corrupted bool) {
	if m == nil {
		return
	}
	if corrupted {
		m.DatabaseCorruptedGauge.Set(1)
	} else {
		m.DatabaseCorruptedGauge.Set(0)
	}
}

func (m *Metrics) ObserveGating(mode string, granted bool, reason string) {
	if m == nil {
		return
	}
	decision := "denied"
	if granted {
		decision = "granted"
	}
	m.GatingDecisionsTotal.WithLabelValues(mode, decision, reason).Inc()
}

func (m *Metrics) ObserveOfflineLookup(result string) {
	if m == nil {
		return
	}
	m.OfflineLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOfflinePending(n int) {
	if m == nil {
		return
	}
	m.OfflinePendingGauge.Set(float64(n))
}

func (m *Metrics) ObserveErrorLogEntry(code string, retryable bool) {
	if m == nil {
		return
	}
	r := "false"
	if retryable {
		r = "true"
	}
	m.ErrorLogEntriesTotal.WithLabelValues(code, r).Inc()
}

func (m *Metrics) ObserveAnomaly(code string) {
	if m == nil {
		return
	}
	m.AnomalyAlertsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveExport(status string) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveAlertDelivery(status string) {
	if m == nil {
		return
	}
	m.AlertDeliveriesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBreakerTransition(service, to string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTransitions.WithLabelValues(service, to).Inc()
}

func (m *Metrics) ObserveRateLimit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func (m *Metrics) SetDBConnectionsOpen(n int) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(n))
}
