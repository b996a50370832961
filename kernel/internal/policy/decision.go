// Package policy evaluates SecurityEvents against built-in guards and an ordered
// rule set. Anything not explicitly allowed is denied.
package policy

import (
	"fmt"
	"strings"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/integrity"
)

// Verdict is the final allow/deny outcome. The zero value is Deny.
type Verdict int

const (
	Deny Verdict = iota
	Allow
)

func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// MarshalText renders the verdict as "allow" or "deny".
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses "allow" or "deny".
func (v *Verdict) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "allow":
		*v = Allow
	case "deny":
		*v = Deny
	default:
		return fmt.Errorf("policy: unknown verdict %q", b)
	}
	return nil
}

// Action is what a matching rule asks for.
type Action string

const (
	ActionAllow         Action = "allow"
	ActionDeny          Action = "deny"
	ActionAllowAndAlert Action = "allow_and_alert"
)

func (a Action) valid() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionAllowAndAlert
}

// Decision is the engine's answer for one event.
type Decision struct {
	EventID       string  `json:"event_id"`
	Verdict       Verdict `json:"verdict"`
	Reason        string  `json:"reason"`
	MatchedRuleID string  `json:"matched_rule_id,omitempty"`
	Guard         string  `json:"guard,omitempty"`
	Alert         bool    `json:"alert,omitempty"`
}

// DenyDecision builds a Deny with the given reason.
func DenyDecision(eventID, reason string) Decision {
	return Decision{EventID: eventID, Verdict: Deny, Reason: reason}
}

// EvalContext carries read-only state gathered for the event's subject.
type EvalContext struct {
	Baseline    *integrity.Baseline
	Quarantined bool
}

// ParentComm returns the parent's command name if the parent is tracked.
func (ec EvalContext) ParentComm() (string, bool) {
	if ec.Baseline == nil || !ec.Baseline.ParentKnown {
		return "", false
	}
	return ec.Baseline.ParentComm, true
}

func reasonFor(ev event.SecurityEvent) string {
	if ev.Syscall != "" {
		return fmt.Sprintf("%s %s", ev.Kind, ev.Syscall)
	}
	return string(ev.Kind)
}
