// Package event defines the normalized SecurityEvent and converts raw interception
// notifications into it.
package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent is returned when a raw notification cannot be normalized.
var ErrMalformedEvent = errors.New("malformed event")

// Kind classifies an intercepted operation.
type Kind string

const (
	KindSyscall            Kind = "syscall"
	KindMemoryWrite        Kind = "memory_write"
	KindExec               Kind = "exec"
	KindExit               Kind = "exit"
	KindIntegrityViolation Kind = "integrity_violation"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSyscall, KindMemoryWrite, KindExec, KindExit, KindIntegrityViolation:
		return true
	}
	return false
}

// Severity grades events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Subject identifies the process that performed the operation.
type Subject struct {
	PID  int    `json:"pid"`
	PPID int    `json:"ppid"`
	Comm string `json:"comm"`
	UID  uint32 `json:"uid"`
	EUID uint32 `json:"euid"`
}

// SecurityEvent is the normalized form of one intercepted operation.
// Values are treated as immutable once returned by the Normalizer.
type SecurityEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Subject   Subject   `json:"subject"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`

	// Syscall is set for KindSyscall.
	Syscall string `json:"syscall,omitempty"`
	// Target is the path, pid or address the operation acts on.
	Target string `json:"target,omitempty"`
	// Region and Digest are set for KindMemoryWrite; Digest alone carries the
	// binary hash for KindExec.
	Region string `json:"region,omitempty"`
	Digest string `json:"digest,omitempty"`

	RawArgs map[string]string `json:"raw_args,omitempty"`
}

// Arg returns a raw argument by name.
func (e SecurityEvent) Arg(name string) (string, bool) {
	v, ok := e.RawArgs[name]
	return v, ok
}

// IntegrityViolation builds the synthetic high severity event recorded when a
// memory region no longer matches its baseline.
func IntegrityViolation(src SecurityEvent, expected string, now time.Time) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.NewString(),
		RequestID: src.RequestID,
		Timestamp: now.UTC(),
		Subject:   src.Subject,
		Kind:      KindIntegrityViolation,
		Severity:  SeverityHigh,
		Target:    src.Target,
		Region:    src.Region,
		Digest:    src.Digest,
		RawArgs: map[string]string{
			"source_event_id": src.ID,
			"expected_digest": expected,
		},
	}
}

func defaultSeverity(k Kind) Severity {
	switch k {
	case KindExec, KindMemoryWrite:
		return SeverityLow
	case KindIntegrityViolation:
		return SeverityHigh
	}
	return SeverityInfo
}
