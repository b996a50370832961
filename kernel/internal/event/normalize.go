package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Format names the encoding of a raw notification payload.
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "bpf"
)

// RawNotification is an operation as delivered by an interception adapter.
type RawNotification struct {
	Format     Format
	Payload    []byte
	ReceivedAt time.Time
}

// Normalizer converts RawNotifications into SecurityEvents. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	schema *jsonschema.Schema
	now    func() time.Time
	newID  func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the clock used when a notification carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) { n.newID = fn }
}

// NewNormalizer compiles the notification schema.
func NewNormalizer(opts ...Option) (*Normalizer, error) {
	var doc any
	if err := json.Unmarshal([]byte(notificationSchema), &doc); err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("notification.json", doc); err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	sch, err := c.Compile("notification.json")
	if err != nil {
		return nil, fmt.Errorf("notification schema: %w", err)
	}
	n := &Normalizer{
		schema: sch,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Normalize validates raw and produces a SecurityEvent. It never returns a
// partial event: on failure the error wraps ErrMalformedEvent.
func (n *Normalizer) Normalize(raw RawNotification) (SecurityEvent, error) {
	if len(raw.Payload) == 0 {
		return SecurityEvent{}, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}
	switch raw.Format {
	case FormatJSON, "":
		return n.fromJSON(raw)
	case FormatBinary:
		return n.fromBinary(raw)
	default:
		return SecurityEvent{}, fmt.Errorf("%w: unknown format %q", ErrMalformedEvent, raw.Format)
	}
}

type jsonNotification struct {
	RequestID string            `json:"request_id"`
	Type      string            `json:"type"`
	TS        string            `json:"ts"`
	PID       int               `json:"pid"`
	PPID      int               `json:"ppid"`
	Comm      string            `json:"comm"`
	UID       uint32            `json:"uid"`
	EUID      uint32            `json:"euid"`
	Syscall   string            `json:"syscall"`
	Target    string            `json:"target"`
	Region    string            `json:"region"`
	Digest    string            `json:"digest"`
	Args      map[string]string `json:"args"`
}

func (n *Normalizer) fromJSON(raw RawNotification) (SecurityEvent, error) {
	var doc any
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return SecurityEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := n.schema.Validate(doc); err != nil {
		return SecurityEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var jn jsonNotification
	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	if err := dec.Decode(&jn); err != nil {
		return SecurityEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ts, err := n.timestamp(jn.TS, raw.ReceivedAt)
	if err != nil {
		return SecurityEvent{}, err
	}

	kind := kindFromType(jn.Type)
	ev := SecurityEvent{
		ID:        n.newID(),
		RequestID: jn.RequestID,
		Timestamp: ts,
		Subject: Subject{
			PID:  jn.PID,
			PPID: jn.PPID,
			Comm: strings.TrimSpace(jn.Comm),
			UID:  jn.UID,
			EUID: jn.EUID,
		},
		Kind:     kind,
		Severity: defaultSeverity(kind),
		Syscall:  strings.ToLower(jn.Syscall),
		Target:   jn.Target,
		Region:   jn.Region,
		Digest:   jn.Digest,
		RawArgs:  copyArgs(jn.Args),
	}
	if ev.Subject.Comm == "" {
		return SecurityEvent{}, fmt.Errorf("%w: blank comm", ErrMalformedEvent)
	}
	return ev, nil
}

func (n *Normalizer) timestamp(s string, received time.Time) (time.Time, error) {
	if s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: ts: %v", ErrMalformedEvent, err)
		}
		return ts.UTC(), nil
	}
	if !received.IsZero() {
		return received.UTC(), nil
	}
	return n.now().UTC(), nil
}

func kindFromType(t string) Kind {
	switch t {
	case "spawn", "exec":
		return KindExec
	case "memory_write":
		return KindMemoryWrite
	case "exit":
		return KindExit
	}
	return KindSyscall
}

func copyArgs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
