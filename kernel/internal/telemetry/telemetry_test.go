package telemetry

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

func TestNewRecord(t *testing.T) {
	ev := event.SecurityEvent{
		ID:      "ev-1",
		Subject: event.Subject{PID: 10, PPID: 1, Comm: "svc", UID: 1000},
		Kind:    event.KindSyscall,
		Syscall: "openat",
		Target:  "/etc/hosts",
	}
	d := policy.Decision{EventID: "ev-1", Verdict: policy.Allow, Reason: "rule allow-open", MatchedRuleID: "allow-open", Alert: true}

	r := NewRecord(ev, d, 7, 1500*time.Microsecond)
	if r.Verdict != "allow" || r.Sequence != 7 || r.RuleID != "allow-open" || !r.Alert {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.LatencyUs != 1500 || r.Comm != "svc" || r.Kind != "syscall" {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(NewRecord(event.SecurityEvent{ID: "ev-2", Kind: event.KindExec}, policy.DenyDecision("ev-2", "no matching rule"), 0, 0))
	w.Close()

	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["verdict"] != "deny" || fields["reason"] != "no matching rule" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestClickHouseWriterRejectsBadTable(t *testing.T) {
	if _, err := NewClickHouseWriter("clickhouse://localhost:9000/default", "x; DROP TABLE y", zap.NewNop(), nil); err == nil {
		t.Fatalf("expected table name validation error")
	}
}
