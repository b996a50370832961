package policy

import (
	"path"
	"strconv"
	"strings"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
)

// Guard is a built-in check that runs before the rule set. A blocking guard
// short-circuits evaluation to Deny regardless of rules.
type Guard interface {
	Name() string
	Check(ev event.SecurityEvent, ec EvalContext) (reason string, blocked bool)
}

// GuardConfig parameterizes the default guards.
type GuardConfig struct {
	DeniedSyscalls      []string `mapstructure:"denied_syscalls" yaml:"denied_syscalls"`
	PrivilegedProcesses []string `mapstructure:"privileged_processes" yaml:"privileged_processes"`
	TrustedParents      []string `mapstructure:"trusted_parents" yaml:"trusted_parents"`
	BlockedBinaries     []string `mapstructure:"blocked_binaries" yaml:"blocked_binaries"`
}

// DefaultGuardConfig returns the built-in denylists.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		DeniedSyscalls:      []string{"ptrace", "process_vm_writev", "sysctl", "kexec_load", "init_module", "finit_module"},
		PrivilegedProcesses: []string{"init", "systemd", "sshd"},
		TrustedParents:      []string{"init", "trusted_service"},
		BlockedBinaries:     []string{"malicious_binary", "unauthorized_script", "remote_shell", "keylogger"},
	}
}

// DefaultGuards builds the guard chain in evaluation order.
func DefaultGuards(cfg GuardConfig) []Guard {
	return []Guard{
		quarantineGuard{},
		newSyscallDenylist(cfg.DeniedSyscalls),
		processMemoryGuard{},
		privilegeGuard{trustedParents: toSet(cfg.TrustedParents)},
		capabilityGuard{privileged: toSet(cfg.PrivilegedProcesses)},
		chmodGuard{},
		blockedBinaryGuard{blocked: toSet(cfg.BlockedBinaries)},
	}
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[strings.ToLower(strings.TrimSpace(x))] = struct{}{}
	}
	return out
}

func inSet(set map[string]struct{}, s string) bool {
	_, ok := set[strings.ToLower(s)]
	return ok
}

type quarantineGuard struct{}

func (quarantineGuard) Name() string { return "quarantine" }

func (quarantineGuard) Check(ev event.SecurityEvent, ec EvalContext) (string, bool) {
	if ec.Quarantined {
		return "subject is quarantined", true
	}
	return "", false
}

type syscallDenylist struct {
	denied map[string]struct{}
}

func newSyscallDenylist(names []string) syscallDenylist {
	return syscallDenylist{denied: toSet(names)}
}

func (syscallDenylist) Name() string { return "syscall_denylist" }

func (g syscallDenylist) Check(ev event.SecurityEvent, _ EvalContext) (string, bool) {
	if ev.Kind == event.KindSyscall && inSet(g.denied, ev.Syscall) {
		return ev.Syscall + " is denylisted", true
	}
	return "", false
}

// processMemoryGuard blocks writes into another process's memory image.
type processMemoryGuard struct{}

func (processMemoryGuard) Name() string { return "process_memory_write" }

func (processMemoryGuard) Check(ev event.SecurityEvent, _ EvalContext) (string, bool) {
	switch ev.Kind {
	case event.KindSyscall:
		if ev.Syscall == "process_vm_writev" {
			return "process_vm_writev into " + ev.Target, true
		}
		if isMemoryImage(ev.Target) {
			return ev.Syscall + " on " + ev.Target, true
		}
	case event.KindMemoryWrite:
		if ev.Target != "" && ev.Target != strconv.Itoa(ev.Subject.PID) {
			return "memory write into pid " + ev.Target, true
		}
	}
	return "", false
}

func isMemoryImage(target string) bool {
	switch target {
	case "/proc/mem", "/dev/mem", "/dev/kmem", "/proc/kcore":
		return true
	}
	ok, _ := path.Match("/proc/*/mem", target)
	return ok
}

// privilegeGuard blocks identity changes to an id below the current euid
// unless the caller descends from a trusted parent.
type privilegeGuard struct {
	trustedParents map[string]struct{}
}

func (privilegeGuard) Name() string { return "privilege_escalation" }

// idArgs lists the id arguments of each identity syscall. A plain "uid"/"gid"
// is accepted for every variant so adapters may report just the target id.
var idArgs = map[string][]string{
	"setuid":    {"uid"},
	"setreuid":  {"ruid", "euid", "uid"},
	"setresuid": {"ruid", "euid", "suid", "uid"},
	"setgid":    {"gid"},
	"setregid":  {"rgid", "egid", "gid"},
	"setresgid": {"rgid", "egid", "sgid", "gid"},
}

// unchangedID is (uid_t)-1: the caller keeps that id as it is.
const unchangedID = 1<<32 - 1

func (g privilegeGuard) Check(ev event.SecurityEvent, ec EvalContext) (string, bool) {
	if ev.Kind != event.KindSyscall {
		return "", false
	}
	names, ok := idArgs[ev.Syscall]
	if !ok {
		return "", false
	}
	if parent, ok := ec.ParentComm(); ok && inSet(g.trustedParents, parent) {
		return "", false
	}
	seen := false
	for _, name := range names {
		raw, ok := ev.Arg(name)
		if !ok {
			continue
		}
		seen = true
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return ev.Syscall + " with unparsable " + name + " " + raw, true
		}
		if id == unchangedID {
			continue
		}
		if id < uint64(ev.Subject.EUID) {
			return ev.Syscall + " " + name + "=" + raw + " from euid " + strconv.FormatUint(uint64(ev.Subject.EUID), 10), true
		}
	}
	if !seen {
		return ev.Syscall + " with unknown target id", true
	}
	return "", false
}

// capabilityGuard restricts capability changes to privileged processes.
type capabilityGuard struct {
	privileged map[string]struct{}
}

func (capabilityGuard) Name() string { return "capability_change" }

func (g capabilityGuard) Check(ev event.SecurityEvent, _ EvalContext) (string, bool) {
	if ev.Kind != event.KindSyscall {
		return "", false
	}
	switch ev.Syscall {
	case "capset", "cap_setuid", "cap_setgid":
		if inSet(g.privileged, ev.Subject.Comm) {
			return "", false
		}
		return ev.Syscall + " by unprivileged " + ev.Subject.Comm, true
	}
	return "", false
}

// chmodGuard blocks making files world writable.
type chmodGuard struct{}

func (chmodGuard) Name() string { return "world_writable_chmod" }

func (chmodGuard) Check(ev event.SecurityEvent, _ EvalContext) (string, bool) {
	if ev.Kind != event.KindSyscall {
		return "", false
	}
	switch ev.Syscall {
	case "chmod", "fchmod", "fchmodat":
	default:
		return "", false
	}
	raw, ok := ev.Arg("mode")
	if !ok {
		return "", false
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return "chmod with unparsable mode " + raw, true
	}
	if mode&0o002 != 0 {
		return "chmod " + raw + " on " + ev.Target, true
	}
	return "", false
}

type blockedBinaryGuard struct {
	blocked map[string]struct{}
}

func (blockedBinaryGuard) Name() string { return "blocked_binary" }

func (g blockedBinaryGuard) Check(ev event.SecurityEvent, _ EvalContext) (string, bool) {
	if ev.Kind != event.KindExec {
		return "", false
	}
	if ev.Target != "" && inSet(g.blocked, path.Base(ev.Target)) {
		return "exec of blocked binary " + path.Base(ev.Target), true
	}
	if inSet(g.blocked, ev.Subject.Comm) {
		return "blocked binary " + ev.Subject.Comm, true
	}
	return "", false
}
