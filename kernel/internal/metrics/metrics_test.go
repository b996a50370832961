package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDecision("deny", "syscall", 0.001)
	m.ObserveDecision("deny", "syscall", 0.002)
	m.ObserveDecision("allow", "exec", 0.001)
	m.SetHead(42)
	m.AppendFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("deny", "syscall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("allow", "exec")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.LedgerHead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerAppendFailures))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("allow", "exec", 0)
	m.AppendFailed()
	m.SetHead(1)
	m.Tampered()
	m.Malformed("json")
	m.AlertEmitted("tamper")
	m.AlertDropped()
	m.SetTracked(1)
	m.SetQuarantined(1)
	m.TelemetryDrop()
}
