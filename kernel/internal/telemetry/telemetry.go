// Package telemetry exports one analytics record per enforcement decision.
// Writes are asynchronous and lossy; the ledger remains the record of truth.
package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

// DecisionRecord is the flattened row written per decision.
type DecisionRecord struct {
	EventID   string
	Sequence  uint64
	Timestamp time.Time
	PID       int
	PPID      int
	Comm      string
	UID       uint32
	Kind      string
	Syscall   string
	Target    string
	Verdict   string
	Reason    string
	RuleID    string
	Guard     string
	Alert     bool
	LatencyUs int64
}

// NewRecord flattens an event and its decision. seq is 0 when the entry was not logged.
func NewRecord(ev event.SecurityEvent, d policy.Decision, seq uint64, latency time.Duration) *DecisionRecord {
	return &DecisionRecord{
		EventID:   ev.ID,
		Sequence:  seq,
		Timestamp: ev.Timestamp,
		PID:       ev.Subject.PID,
		PPID:      ev.Subject.PPID,
		Comm:      ev.Subject.Comm,
		UID:       ev.Subject.UID,
		Kind:      string(ev.Kind),
		Syscall:   ev.Syscall,
		Target:    ev.Target,
		Verdict:   d.Verdict.String(),
		Reason:    d.Reason,
		RuleID:    d.MatchedRuleID,
		Guard:     d.Guard,
		Alert:     d.Alert,
		LatencyUs: latency.Microseconds(),
	}
}

// Writer accepts records without blocking.
type Writer interface {
	Write(r *DecisionRecord)
	Close()
}

// LogWriter is the fallback Writer when no analytics store is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger.Named("telemetry")}
}

func (w *LogWriter) Write(r *DecisionRecord) {
	w.logger.Debug("decision",
		zap.String("event_id", r.EventID),
		zap.Uint64("sequence", r.Sequence),
		zap.Int("pid", r.PID),
		zap.String("comm", r.Comm),
		zap.String("kind", r.Kind),
		zap.String("syscall", r.Syscall),
		zap.String("verdict", r.Verdict),
		zap.String("reason", r.Reason),
		zap.Int64("latency_us", r.LatencyUs),
	)
}

func (w *LogWriter) Close() {}
