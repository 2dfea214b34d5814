package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/state"
)

// StatsSource exposes row counts for the store gauges.
type StatsSource interface {
	Stats() state.StoreStats
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Settlement metrics
	paymentsTotal    *prometheus.CounterVec
	batchSize        prometheus.Histogram
	batchDuration    prometheus.Histogram
	reconnectTotal   *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec

	// Lease metrics
	leaseTotal *prometheus.CounterVec

	// AAA metrics
	aaaRequests *prometheus.CounterVec
	aaaLatency  *prometheus.HistogramVec

	// Session control metrics
	sessionActions *prometheus.CounterVec

	// Access sync metrics
	syncRows     *prometheus.GaugeVec
	syncFailures prometheus.Counter
	syncDuration prometheus.Histogram
	syncLastRun  prometheus.Gauge

	// Store metrics
	storeRows *prometheus.GaugeVec

	source StatsSource
	logger *zap.Logger
}

// New creates a new Metrics instance
func New(source StatsSource, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		paymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_total",
				Help: "Payments processed by outcome",
			},
			[]string{"outcome"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_batch_size",
				Help:    "Payments selected per batch",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_batch_duration_seconds",
				Help:    "Settlement batch duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
		),
		reconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_reconnect_decisions_total",
				Help: "Reconnection gate decisions by reason",
			},
			[]string{"reason"},
		),
		sweepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_sweep_transitions_total",
				Help: "Payments moved by the retry sweep",
			},
			[]string{"from", "to"},
		),
		leaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_lease_operations_total",
				Help: "Worker lease operations by result",
			},
			[]string{"lease", "result"},
		),
		aaaRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_aaa_requests_total",
				Help: "AAA HTTP attempts by endpoint, method and result",
			},
			[]string{"endpoint", "method", "result"},
		),
		aaaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_aaa_request_duration_seconds",
				Help:    "AAA HTTP attempt latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "method"},
		),
		sessionActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_session_actions_total",
				Help: "Session controller operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		syncRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_access_sync_rows",
				Help: "Mirror rows by session status after the last pass",
			},
			[]string{"status"},
		),
		syncFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_access_sync_row_failures_total",
				Help: "Mirror rows skipped due to classification failures",
			},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_access_sync_duration_seconds",
				Help:    "Access sync pass duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
		),
		syncLastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_access_sync_last_success_timestamp_seconds",
				Help: "Unix time of the last successful access sync pass",
			},
		),
		storeRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_store_rows",
				Help: "Rows per table",
			},
			[]string{"table"},
		),
		source: source,
		logger: logger,
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		// Settlement metrics
		m.paymentsTotal,
		m.batchSize,
		m.batchDuration,
		m.reconnectTotal,
		m.sweepTransitions,
		// Lease metrics
		m.leaseTotal,
		// AAA metrics
		m.aaaRequests,
		m.aaaLatency,
		// Session metrics
		m.sessionActions,
		// Access sync metrics
		m.syncRows,
		m.syncFailures,
		m.syncDuration,
		m.syncLastRun,
		// Store metrics
		m.storeRows,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// ObservePayment records one processed payment.
func (m *Metrics) ObservePayment(outcome string) {
	m.paymentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch records one settlement batch.
func (m *Metrics) ObserveBatch(selected int, d time.Duration) {
	m.batchSize.Observe(float64(selected))
	m.batchDuration.Observe(d.Seconds())
}

// ObserveReconnect records a reconnection gate decision.
func (m *Metrics) ObserveReconnect(reason string) {
	m.reconnectTotal.WithLabelValues(reason).Inc()
}

// ObserveSweep records payments moved by the sweep.
func (m *Metrics) ObserveSweep(from, to string, n int) {
	if n > 0 {
		m.sweepTransitions.WithLabelValues(from, to).Add(float64(n))
	}
}

// ObserveLease records a lease operation.
func (m *Metrics) ObserveLease(name, result string) {
	m.leaseTotal.WithLabelValues(name, result).Inc()
}

// ObserveAAARequest records one AAA HTTP attempt.
func (m *Metrics) ObserveAAARequest(endpoint, method, result string, d time.Duration) {
	m.aaaRequests.WithLabelValues(endpoint, method, result).Inc()
	m.aaaLatency.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

// ObserveSessionAction records a session controller outcome.
func (m *Metrics) ObserveSessionAction(action, outcome string) {
	m.sessionActions.WithLabelValues(action, outcome).Inc()
}

// ObserveSync records an access sync pass.
func (m *Metrics) ObserveSync(byStatus map[state.SessionStatus]int, failed int, d time.Duration) {
	m.syncRows.Reset()
	for status, n := range byStatus {
		m.syncRows.WithLabelValues(string(status)).Set(float64(n))
	}
	if failed > 0 {
		m.syncFailures.Add(float64(failed))
	}
	m.syncDuration.Observe(d.Seconds())
	m.syncLastRun.SetToCurrentTime()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates the store gauges
func (m *Metrics) Collect() {
	if m.source == nil {
		return
	}
	stats := m.source.Stats()
	m.storeRows.WithLabelValues("accounts").Set(float64(stats.Accounts))
	m.storeRows.WithLabelValues("invoices").Set(float64(stats.Invoices))
	m.storeRows.WithLabelValues("pending_payments").Set(float64(stats.Payments))
	m.storeRows.WithLabelValues("worker_leases").Set(float64(stats.Leases))
	m.storeRows.WithLabelValues("access_status").Set(float64(stats.MirrorRows))
	m.storeRows.WithLabelValues("settlement_records").Set(float64(stats.Settlements))
}

// StartCollector collects store gauges every interval until stopCh closes
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Collect()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
