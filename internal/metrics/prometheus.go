package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the benchmark.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	SendRate    prometheus.Gauge
	CommitRate  prometheus.Gauge
	InFlight    prometheus.Gauge
	Workers     prometheus.Gauge
	RunStatus   *prometheus.GaugeVec
	WorkerState *prometheus.GaugeVec

	// Histograms
	CommitLatency *prometheus.HistogramVec
	RoundDuration prometheus.Histogram

	RoundsTotal *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dualbench_transactions_total",
				Help: "Finished transactions by network, operation and outcome",
			},
			[]string{"network", "operation", "status"},
		),

		SendRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dualbench_send_rate",
				Help: "Moving average of transactions submitted per second",
			},
		),

		CommitRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dualbench_commit_rate",
				Help: "Moving average of transactions committed per second",
			},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dualbench_in_flight",
				Help: "Workload batches currently in flight",
			},
		),

		Workers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dualbench_workers",
				Help: "Workers taking part in the current run",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dualbench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		WorkerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dualbench_worker_state",
				Help: "Local worker state (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		CommitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dualbench_commit_latency_seconds",
				Help:    "Create to commit latency of committed transactions",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"network"},
		),

		RoundDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dualbench_round_duration_seconds",
				Help:    "Wall time of settled rounds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		RoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dualbench_rounds_total",
				Help: "Rounds by final state",
			},
			[]string{"state"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dualbench_errors_total",
				Help: "Errors by category",
			},
			[]string{"category"},
		),
	}
}

// RecordResults counts finished transactions of one network and observes the
// latency of the committed ones.
func (m *PrometheusMetrics) RecordResults(network string, results []types.TxStatus) {
	for _, r := range results {
		status := "failed"
		if r.Committed {
			status = "committed"
			m.CommitLatency.WithLabelValues(network).Observe(r.TimeCommit.Sub(r.TimeCreate).Seconds())
		}
		m.TxTotal.WithLabelValues(network, string(r.Operation), status).Inc()
	}
}

// RecordRound records a finished round.
func (m *PrometheusMetrics) RecordRound(state types.RoundState, durationSeconds float64) {
	m.RoundsTotal.WithLabelValues(string(state)).Inc()
	if state == types.RoundSettled {
		m.RoundDuration.Observe(durationSeconds)
	}
}

// knownErrorCategories bounds the category label.
var knownErrorCategories = map[string]bool{
	"round":     true,
	"worker":    true,
	"network":   true,
	"workload":  true,
	"transport": true,
	"storage":   true,
}

// RecordError records an error.
func (m *PrometheusMetrics) RecordError(category string) {
	if !knownErrorCategories[category] {
		category = "other"
	}
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// SetRates updates the moving average gauges.
func (m *PrometheusMetrics) SetRates(send, commit float64) {
	m.SendRate.Set(send)
	m.CommitRate.Set(commit)
}

// SetInFlight updates the in-flight gauge.
func (m *PrometheusMetrics) SetInFlight(n int64) {
	m.InFlight.Set(float64(n))
}

// SetWorkers updates the worker count gauge.
func (m *PrometheusMetrics) SetWorkers(n int) {
	m.Workers.Set(float64(n))
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunState) {
	for _, s := range []types.RunState{types.RunIdle, types.RunRunning, types.RunCompleted, types.RunFailed} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// SetWorkerState updates the worker state gauges.
func (m *PrometheusMetrics) SetWorkerState(state types.WorkerState) {
	for _, s := range []types.WorkerState{types.WorkerIdle, types.WorkerInitializing, types.WorkerIssuing, types.WorkerDraining, types.WorkerReporting} {
		if s == state {
			m.WorkerState.WithLabelValues(string(s)).Set(1)
		} else {
			m.WorkerState.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset resets per-run metrics.
// Histograms are cumulative and keep their buckets across runs.
func (m *PrometheusMetrics) Reset() {
	m.TxTotal.Reset()
	m.SendRate.Set(0)
	m.CommitRate.Set(0)
	m.InFlight.Set(0)
	m.SetRunStatus(types.RunIdle)
	m.ErrorsTotal.Reset()
}
