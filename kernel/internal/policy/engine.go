package policy

import (
	"fmt"
	"sort"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
)

// Engine holds an immutable, pre-sorted rule set. Evaluate is deterministic,
// has no side effects and is safe for concurrent use.
type Engine struct {
	guards []Guard
	rules  []Rule
}

// NewEngine validates and orders rules. Guards run in the order given.
func NewEngine(rules []Rule, guards ...Guard) (*Engine, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Engine{
		guards: append([]Guard(nil), guards...),
		rules:  sorted,
	}, nil
}

// Evaluate returns the decision for ev. Guards are consulted first; then the
// first matching rule decides. No match yields Deny.
func (e *Engine) Evaluate(ev event.SecurityEvent, ec EvalContext) Decision {
	for _, g := range e.guards {
		if reason, blocked := g.Check(ev, ec); blocked {
			return Decision{
				EventID: ev.ID,
				Verdict: Deny,
				Reason:  fmt.Sprintf("guard %s: %s", g.Name(), reason),
				Guard:   g.Name(),
				Alert:   true,
			}
		}
	}

	for _, r := range e.rules {
		if !r.Match.matches(ev, ec) {
			continue
		}
		d := Decision{
			EventID:       ev.ID,
			MatchedRuleID: r.ID,
			Reason:        fmt.Sprintf("rule %s: %s %s", r.ID, r.Action, reasonFor(ev)),
		}
		switch r.Action {
		case ActionAllow:
			d.Verdict = Allow
		case ActionAllowAndAlert:
			d.Verdict = Allow
			d.Alert = true
		default:
			d.Verdict = Deny
		}
		return d
	}

	return DenyDecision(ev.ID, "no matching rule")
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}
