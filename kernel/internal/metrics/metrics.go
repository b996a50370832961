// Package metrics holds the Prometheus collectors of the enforcement kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Decisions counts gate outcomes by verdict and event kind.
	Decisions *prometheus.CounterVec

	// GateLatency is Submit wall time from normalization to the logged verdict.
	GateLatency *prometheus.HistogramVec

	LedgerAppendFailures prometheus.Counter
	LedgerHead           prometheus.Gauge

	TamperDetections prometheus.Counter
	MalformedEvents  *prometheus.CounterVec

	AlertsEmitted *prometheus.CounterVec
	AlertsDropped prometheus.Counter

	TrackedProcesses prometheus.Gauge
	Quarantined      prometheus.Gauge

	// TelemetryDropped counts decision records dropped because the writer buffer was full.
	TelemetryDropped prometheus.Counter
}

// New registers collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zt_decisions_total",
			Help: "Enforcement decisions by verdict and event kind.",
		}, []string{"verdict", "kind"}),

		GateLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zt_gate_latency_seconds",
			Help:    "Time from interception to logged verdict.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"verdict"}),

		LedgerAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "zt_ledger_append_failures_total",
			Help: "Ledger appends that failed or timed out.",
		}),
		LedgerHead: f.NewGauge(prometheus.GaugeOpts{
			Name: "zt_ledger_head_sequence",
			Help: "Sequence of the last committed ledger entry.",
		}),

		TamperDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "zt_tamper_detections_total",
			Help: "Memory regions found not matching their baseline.",
		}),
		MalformedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zt_malformed_events_total",
			Help: "Raw notifications rejected by the normalizer.",
		}, []string{"format"}),

		AlertsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zt_alerts_emitted_total",
			Help: "Alerts delivered by type.",
		}, []string{"type"}),
		AlertsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "zt_alerts_dropped_total",
			Help: "Alerts dropped by the rate limiter or a full queue.",
		}),

		TrackedProcesses: f.NewGauge(prometheus.GaugeOpts{
			Name: "zt_tracked_processes",
			Help: "Processes with a live integrity baseline.",
		}),
		Quarantined: f.NewGauge(prometheus.GaugeOpts{
			Name: "zt_quarantined_subjects",
			Help: "Quarantined pids and binary hashes.",
		}),

		TelemetryDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "zt_telemetry_dropped_total",
			Help: "Decision telemetry records dropped on a full buffer.",
		}),
	}
}

// ObserveDecision records one gate outcome.
func (m *Metrics) ObserveDecision(verdict, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(verdict, kind).Inc()
	m.GateLatency.WithLabelValues(verdict).Observe(seconds)
}

// AppendFailed counts a ledger failure.
func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.LedgerAppendFailures.Inc()
}

// SetHead publishes the ledger head.
func (m *Metrics) SetHead(seq uint64) {
	if m == nil {
		return
	}
	m.LedgerHead.Set(float64(seq))
}

// Tampered counts a tamper detection.
func (m *Metrics) Tampered() {
	if m == nil {
		return
	}
	m.TamperDetections.Inc()
}

// Malformed counts a rejected notification.
func (m *Metrics) Malformed(format string) {
	if m == nil {
		return
	}
	m.MalformedEvents.WithLabelValues(format).Inc()
}

// AlertEmitted counts a delivered alert.
func (m *Metrics) AlertEmitted(typ string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(typ).Inc()
}

// AlertDropped counts a dropped alert.
func (m *Metrics) AlertDropped() {
	if m == nil {
		return
	}
	m.AlertsDropped.Inc()
}

// SetTracked publishes the number of live baselines.
func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedProcesses.Set(float64(n))
}

// SetQuarantined publishes the quarantine set size.
func (m *Metrics) SetQuarantined(n int) {
	if m == nil {
		return
	}
	m.Quarantined.Set(float64(n))
}

// TelemetryDrop counts a dropped telemetry record.
func (m *Metrics) TelemetryDrop() {
	if m == nil {
		return
	}
	m.TelemetryDropped.Inc()
}
