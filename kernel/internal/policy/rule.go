package policy

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
)

// ErrInvalidRule is returned when a rule set fails validation.
var ErrInvalidRule = errors.New("invalid rule")

// Rule is one entry of the ordered policy. Lower Priority is evaluated first;
// rules with equal priority keep their configuration order.
type Rule struct {
	ID          string `yaml:"id" mapstructure:"id" json:"id"`
	Description string `yaml:"description,omitempty" mapstructure:"description" json:"description,omitempty"`
	Priority    int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Action      Action `yaml:"action" mapstructure:"action" json:"action"`
	Match       Match  `yaml:"match" mapstructure:"match" json:"match"`
}

// Match selects events. Fields combine with AND, values inside a field with OR,
// and an empty field matches anything. Subjects, Targets and Parents are globs.
// RequireBaseline only matches processes whose binary hash was recorded at
// exec; a baseline created on first sight of a pid does not count.
type Match struct {
	Kinds           []event.Kind `yaml:"kinds,omitempty" mapstructure:"kinds" json:"kinds,omitempty"`
	Subjects        []string     `yaml:"subjects,omitempty" mapstructure:"subjects" json:"subjects,omitempty"`
	PIDs            []int        `yaml:"pids,omitempty" mapstructure:"pids" json:"pids,omitempty"`
	UIDs            []uint32     `yaml:"uids,omitempty" mapstructure:"uids" json:"uids,omitempty"`
	Syscalls        []string     `yaml:"syscalls,omitempty" mapstructure:"syscalls" json:"syscalls,omitempty"`
	Targets         []string     `yaml:"targets,omitempty" mapstructure:"targets" json:"targets,omitempty"`
	Parents         []string     `yaml:"parents,omitempty" mapstructure:"parents" json:"parents,omitempty"`
	RequireBaseline bool         `yaml:"require_baseline,omitempty" mapstructure:"require_baseline" json:"require_baseline,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules parses a YAML document of the form `rules: [...]`.
func LoadRules(r io.Reader) ([]Rule, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ValidateRules checks ids, actions and glob syntax.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidRule, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}
		if !r.Action.valid() {
			return fmt.Errorf("%w: rule %q has unknown action %q", ErrInvalidRule, r.ID, r.Action)
		}
		for _, k := range r.Match.Kinds {
			if !k.Valid() {
				return fmt.Errorf("%w: rule %q has unknown kind %q", ErrInvalidRule, r.ID, k)
			}
		}
		for _, group := range [][]string{r.Match.Subjects, r.Match.Targets, r.Match.Parents} {
			for _, p := range group {
				if _, err := filepath.Match(p, ""); err != nil {
					return fmt.Errorf("%w: rule %q pattern %q: %v", ErrInvalidRule, r.ID, p, err)
				}
			}
		}
	}
	return nil
}

func (m Match) matches(ev event.SecurityEvent, ec EvalContext) bool {
	if len(m.Kinds) > 0 && !containsKind(m.Kinds, ev.Kind) {
		return false
	}
	if len(m.Subjects) > 0 && !matchAny(m.Subjects, ev.Subject.Comm) {
		return false
	}
	if len(m.PIDs) > 0 && !containsInt(m.PIDs, ev.Subject.PID) {
		return false
	}
	if len(m.UIDs) > 0 && !containsUID(m.UIDs, ev.Subject.UID) {
		return false
	}
	if len(m.Syscalls) > 0 && !containsFold(m.Syscalls, ev.Syscall) {
		return false
	}
	if len(m.Targets) > 0 && !matchAny(m.Targets, ev.Target) {
		return false
	}
	if len(m.Parents) > 0 {
		parent, ok := ec.ParentComm()
		if !ok || !matchAny(m.Parents, parent) {
			return false
		}
	}
	if m.RequireBaseline && (ec.Baseline == nil || ec.Baseline.BinaryHash == "") {
		return false
	}
	return true
}

// matchGlob is filepath.Match plus a trailing "/**" that matches everything
// below a directory.
func matchGlob(pattern, s string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return s == prefix || strings.HasPrefix(s, prefix+"/")
	}
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if matchGlob(p, s) {
			return true
		}
	}
	return false
}

func containsKind(ks []event.Kind, k event.Kind) bool {
	for _, v := range ks {
		if v == k {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsUID(xs []uint32, x uint32) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsFold(xs []string, s string) bool {
	for _, v := range xs {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
