// Package gate is the enforcement choke point. Every intercepted operation is
// normalized, evaluated by the policy engine and the integrity tracker in
// parallel, recorded in the ledger, and only then answered. An operation is
// allowed only when its entry is durably logged with an Allow decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/alert"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/integrity"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/metrics"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/quarantine"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/telemetry"
)

// State is a step of the per-operation state machine.
type State int

const (
	StateIntercepted State = iota
	StateNormalized
	StateEvaluated
	StateLogged
	StateProceed
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateIntercepted:
		return "intercepted"
	case StateNormalized:
		return "normalized"
	case StateEvaluated:
		return "evaluated"
	case StateLogged:
		return "logged"
	case StateProceed:
		return "proceed"
	case StateAbort:
		return "abort"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the answer for one submitted operation.
type Outcome struct {
	EventID  string          `json:"event_id,omitempty"`
	Proceed  bool            `json:"proceed"`
	Verdict  policy.Verdict  `json:"verdict"`
	Reason   string          `json:"reason"`
	State    State           `json:"state"`
	Reached  State           `json:"reached"` // last non-terminal state completed
	Sequence uint64          `json:"sequence,omitempty"`
	Tampered bool            `json:"tampered,omitempty"`
	Decision policy.Decision `json:"decision"`
	Err      error           `json:"-"`
}

// Gate wires the enforcement pipeline. It is safe for concurrent use and holds
// no lock of its own; the ledger append is the only serialization point.
type Gate struct {
	normalizer *event.Normalizer
	engine     *policy.Engine
	tracker    *integrity.Tracker
	ledger     *ledger.Ledger

	quarantine *quarantine.Registry
	alerts     *alert.Dispatcher
	detector   *alert.Detector
	telemetry  telemetry.Writer
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures optional collaborators.
type Option func(*Gate)

func WithQuarantine(r *quarantine.Registry) Option {
	return func(g *Gate) { g.quarantine = r }
}

func WithAlerts(d *alert.Dispatcher) Option {
	return func(g *Gate) { g.alerts = d }
}

func WithDetector(d *alert.Detector) Option {
	return func(g *Gate) { g.detector = d }
}

func WithTelemetry(w telemetry.Writer) Option {
	return func(g *Gate) { g.telemetry = w }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New builds a gate over its four required components.
func New(n *event.Normalizer, e *policy.Engine, t *integrity.Tracker, l *ledger.Ledger, opts ...Option) (*Gate, error) {
	if n == nil || e == nil || t == nil || l == nil {
		return nil, errors.New("gate: normalizer, engine, tracker and ledger are required")
	}
	g := &Gate{
		normalizer: n,
		engine:     e,
		tracker:    t,
		ledger:     l,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.Named("gate")
	return g, nil
}

// Submit runs one raw notification through the state machine. The caller's
// cancellation is ignored: once intercepted an operation always reaches
// Proceed or Abort.
func (g *Gate) Submit(ctx context.Context, raw event.RawNotification) Outcome {
	ctx = context.WithoutCancel(ctx)
	start := g.now()

	ev, err := g.normalizer.Normalize(raw)
	if err != nil {
		g.metrics.Malformed(string(raw.Format))
		g.logger.Warn("malformed notification", zap.String("format", string(raw.Format)), zap.Error(err))
		d := policy.DenyDecision("", "malformed event")
		return Outcome{
			Verdict:  policy.Deny,
			Reason:   d.Reason,
			State:    StateAbort,
			Reached:  StateIntercepted,
			Decision: d,
			Err:      err,
		}
	}
	return g.enforce(ctx, ev, start)
}

// Enforce runs an already normalized event through evaluation and logging.
func (g *Gate) Enforce(ctx context.Context, ev event.SecurityEvent) Outcome {
	return g.enforce(context.WithoutCancel(ctx), ev, g.now())
}

type evaluation struct {
	decision policy.Decision
	check    integrity.MemoryCheck
	checkErr error
}

func (g *Gate) enforce(ctx context.Context, ev event.SecurityEvent, start time.Time) Outcome {
	base, _ := g.tracker.EnsureProcess(ev.Subject.PID, ev.Subject.PPID, ev.Subject.Comm)
	ec := policy.EvalContext{Baseline: base, Quarantined: g.isQuarantined(ev, base)}

	var res evaluation
	var eg errgroup.Group
	eg.Go(func() error {
		res.decision = g.engine.Evaluate(ev, ec)
		return nil
	})
	if ev.Kind == event.KindMemoryWrite {
		eg.Go(func() error {
			res.check, res.checkErr = g.tracker.CheckMemory(ev.Subject.PID, ev.Region, ev.Digest)
			return nil
		})
	}
	_ = eg.Wait()

	d := res.decision
	tampered := false
	switch {
	case res.checkErr != nil:
		// the baseline vanished under us (concurrent exit); nothing to compare against
		d = policy.Decision{EventID: ev.ID, Verdict: policy.Deny, Reason: "integrity: " + res.checkErr.Error(), Guard: "integrity", Alert: true}
	case res.check.Result == integrity.Tampered:
		tampered = true
		d = policy.Decision{
			EventID: ev.ID,
			Verdict: policy.Deny,
			Reason:  fmt.Sprintf("integrity: region %s tampered", res.check.Region),
			Guard:   "integrity",
			Alert:   true,
		}
		g.onTamper(ctx, ev, base, res.check)
	}

	out := Outcome{
		EventID:  ev.ID,
		Verdict:  policy.Deny,
		Reason:   d.Reason,
		State:    StateAbort,
		Reached:  StateEvaluated,
		Tampered: tampered,
		Decision: d,
	}

	entry, err := g.ledger.Append(ctx, ev, d)
	if err != nil {
		g.metrics.AppendFailed()
		g.logger.Error("audit fallback",
			zap.Any("event", ev),
			zap.Any("decision", d),
			zap.Error(err),
		)
		g.emit(alert.New(alert.TypeStorageUnavailable, event.SeverityCritical, ev, "ledger append failed; operation denied"))
		out.Reason = "audit unavailable: " + d.Reason
		out.Decision = policy.DenyDecision(ev.ID, out.Reason)
		out.Err = err
		g.finish(ev, out.Decision, 0, start)
		return out
	}

	out.Reached = StateLogged
	out.Sequence = entry.Sequence
	g.metrics.SetHead(entry.Sequence)
	if d.Verdict == policy.Allow {
		out.Verdict = policy.Allow
		out.Proceed = true
		out.State = StateProceed
	}

	g.afterLogged(ev, d, base, out.Proceed)
	g.finish(ev, d, entry.Sequence, start)
	return out
}

func (g *Gate) isQuarantined(ev event.SecurityEvent, b *integrity.Baseline) bool {
	if g.quarantine == nil {
		return false
	}
	hash := b.BinaryHash
	if ev.Kind == event.KindExec && ev.Digest != "" {
		if g.quarantine.IsQuarantined(ev.Subject.PID, ev.Digest) {
			return true
		}
	}
	return g.quarantine.IsQuarantined(ev.Subject.PID, hash)
}

// onTamper records the synthesized violation ahead of the triggering event,
// quarantines the process and raises an alert.
func (g *Gate) onTamper(ctx context.Context, src event.SecurityEvent, b *integrity.Baseline, check integrity.MemoryCheck) {
	g.metrics.Tampered()
	violation := event.IntegrityViolation(src, check.Expected, g.now())
	vd := policy.Decision{
		EventID: violation.ID,
		Verdict: policy.Deny,
		Reason:  fmt.Sprintf("region %s expected %s observed %s", check.Region, check.Expected, check.Observed),
		Guard:   "integrity",
		Alert:   true,
	}
	if _, err := g.ledger.Append(ctx, violation, vd); err != nil {
		g.metrics.AppendFailed()
		g.logger.Error("audit fallback", zap.Any("event", violation), zap.Any("decision", vd), zap.Error(err))
	}

	if g.quarantine != nil {
		if err := g.quarantine.Quarantine(ctx, src.Subject.PID, src.Subject.Comm, b.BinaryHash, vd.Reason); err != nil {
			g.logger.Warn("quarantine publish failed", zap.Int("pid", src.Subject.PID), zap.Error(err))
		}
		g.metrics.SetQuarantined(g.quarantine.Len())
	}

	a := alert.New(alert.TypeTamper, event.SeverityHigh, src, "memory region does not match baseline")
	a.Details = map[string]string{
		"region":       check.Region,
		"expected":     check.Expected,
		"observed":     check.Observed,
		"violation_id": violation.ID,
	}
	g.emit(a)
}

// afterLogged applies lifecycle effects and raises alerts for a logged decision.
func (g *Gate) afterLogged(ev event.SecurityEvent, d policy.Decision, b *integrity.Baseline, allowed bool) {
	switch ev.Kind {
	case event.KindExec:
		if !b.ParentKnown && ev.Subject.PPID > 1 {
			a := alert.New(alert.TypeUnknownParent, event.SeverityMedium, ev, "exec from an untracked parent process")
			a.Details = map[string]string{"ppid": fmt.Sprint(ev.Subject.PPID)}
			g.emit(a)
		}
		if allowed {
			g.tracker.Rebaseline(ev.Subject.PID, ev.Subject.PPID, ev.Subject.Comm, ev.Digest)
		}
	case event.KindExit:
		g.tracker.ObserveProcessExit(ev.Subject.PID)
		if g.quarantine != nil {
			g.quarantine.Forget(ev.Subject.PID)
		}
		if g.detector != nil {
			g.detector.Forget(ev.Subject.PID)
		}
	}

	if d.Alert {
		typ, sev := alert.TypePolicy, event.SeverityMedium
		if d.Guard != "" {
			typ, sev = alert.TypeGuard, event.SeverityHigh
		}
		if d.Guard != "integrity" {
			a := alert.New(typ, sev, ev, d.Reason)
			if d.MatchedRuleID != "" {
				a.Details = map[string]string{"rule_id": d.MatchedRuleID}
			}
			g.emit(a)
		}
	}
	if g.detector != nil {
		for _, a := range g.detector.Observe(ev, d) {
			g.emit(a)
		}
	}
}

func (g *Gate) finish(ev event.SecurityEvent, d policy.Decision, seq uint64, start time.Time) {
	latency := g.now().Sub(start)
	g.metrics.ObserveDecision(d.Verdict.String(), string(ev.Kind), latency.Seconds())
	g.metrics.SetTracked(g.tracker.Len())
	if g.telemetry != nil {
		g.telemetry.Write(telemetry.NewRecord(ev, d, seq, latency))
	}
	g.logger.Debug("decision",
		zap.String("event_id", ev.ID),
		zap.Uint64("sequence", seq),
		zap.String("verdict", d.Verdict.String()),
		zap.String("reason", d.Reason),
	)
}

func (g *Gate) emit(a alert.Alert) {
	if g.alerts != nil {
		g.alerts.Emit(a)
	}
}

// Ledger exposes the underlying ledger for audit consumers.
func (g *Gate) Ledger() *ledger.Ledger { return g.ledger }

// Tracker exposes the integrity tracker for read-only inspection.
func (g *Gate) Tracker() *integrity.Tracker { return g.tracker }

// Engine exposes the policy engine.
func (g *Gate) Engine() *policy.Engine { return g.engine }
