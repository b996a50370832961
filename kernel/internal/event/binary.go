package event

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Record types emitted by the in-kernel probe.
const (
	recordSyscall     uint8 = 1
	recordMemoryWrite uint8 = 2
	recordExec        uint8 = 3
	recordExit        uint8 = 4
)

// binaryRecord mirrors the fixed little-endian record written to the probe's
// ring buffer. All strings are NUL padded.
type binaryRecord struct {
	Type        uint8
	_           [3]byte
	PID         uint32
	PPID        uint32
	UID         uint32
	EUID        uint32
	SyscallNr   int32
	RequestID   uint64
	Args        [3]uint64
	TimestampNs uint64
	Comm        [16]byte
	Target      [128]byte
	Region      [32]byte
	Digest      [32]byte
}

// BinaryRecordSize is the exact size of one probe record.
var BinaryRecordSize = binary.Size(binaryRecord{})

const requestIDOffset = 24

// BinaryRequestID extracts the probe request id without decoding the whole
// record, so a verdict can be returned even for records that fail to normalize.
func BinaryRequestID(payload []byte) (uint64, bool) {
	if len(payload) < requestIDOffset+8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(payload[requestIDOffset:]), true
}

func (n *Normalizer) fromBinary(raw RawNotification) (SecurityEvent, error) {
	if len(raw.Payload) != BinaryRecordSize {
		return SecurityEvent{}, fmt.Errorf("%w: record size %d, want %d", ErrMalformedEvent, len(raw.Payload), BinaryRecordSize)
	}
	var rec binaryRecord
	if err := binary.Read(bytes.NewReader(raw.Payload), binary.LittleEndian, &rec); err != nil {
		return SecurityEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if rec.PID == 0 {
		return SecurityEvent{}, fmt.Errorf("%w: pid 0", ErrMalformedEvent)
	}
	comm := cString(rec.Comm[:])
	if comm == "" {
		return SecurityEvent{}, fmt.Errorf("%w: blank comm", ErrMalformedEvent)
	}

	var kind Kind
	switch rec.Type {
	case recordSyscall:
		kind = KindSyscall
	case recordMemoryWrite:
		kind = KindMemoryWrite
	case recordExec:
		kind = KindExec
	case recordExit:
		kind = KindExit
	default:
		return SecurityEvent{}, fmt.Errorf("%w: record type %d", ErrMalformedEvent, rec.Type)
	}

	ts := raw.ReceivedAt
	if rec.TimestampNs != 0 {
		ts = time.Unix(0, int64(rec.TimestampNs))
	}
	if ts.IsZero() {
		ts = n.now()
	}

	ev := SecurityEvent{
		ID:        n.newID(),
		Timestamp: ts.UTC(),
		Subject: Subject{
			PID:  int(rec.PID),
			PPID: int(rec.PPID),
			Comm: comm,
			UID:  rec.UID,
			EUID: rec.EUID,
		},
		Kind:     kind,
		Severity: defaultSeverity(kind),
		Target:   cString(rec.Target[:]),
	}
	if rec.RequestID != 0 {
		ev.RequestID = strconv.FormatUint(rec.RequestID, 10)
	}
	if !allZero(rec.Digest[:]) {
		ev.Digest = hex.EncodeToString(rec.Digest[:])
	}

	switch kind {
	case KindSyscall:
		if rec.SyscallNr < 0 {
			return SecurityEvent{}, fmt.Errorf("%w: syscall record without number", ErrMalformedEvent)
		}
		ev.Syscall = SyscallName(int(rec.SyscallNr))
		ev.RawArgs = syscallArgs(ev.Syscall, rec.Args)
	case KindMemoryWrite:
		ev.Region = cString(rec.Region[:])
		if ev.Region == "" || ev.Digest == "" {
			return SecurityEvent{}, fmt.Errorf("%w: memory_write without region digest", ErrMalformedEvent)
		}
	}
	return ev, nil
}

// syscallArgs names the argument registers policy inspects, by position.
func syscallArgs(name string, a [3]uint64) map[string]string {
	id := func(v uint64) string { return strconv.FormatUint(uint64(uint32(v)), 10) }
	mode := func(v uint64) string { return "0" + strconv.FormatUint(v&0o7777, 8) }
	switch name {
	case "setuid":
		return map[string]string{"uid": id(a[0])}
	case "setgid":
		return map[string]string{"gid": id(a[0])}
	case "setreuid":
		return map[string]string{"ruid": id(a[0]), "euid": id(a[1])}
	case "setregid":
		return map[string]string{"rgid": id(a[0]), "egid": id(a[1])}
	case "setresuid":
		return map[string]string{"ruid": id(a[0]), "euid": id(a[1]), "suid": id(a[2])}
	case "setresgid":
		return map[string]string{"rgid": id(a[0]), "egid": id(a[1]), "sgid": id(a[2])}
	case "chmod", "fchmod":
		return map[string]string{"mode": mode(a[1])}
	case "fchmodat":
		return map[string]string{"mode": mode(a[2])}
	case "ptrace":
		return map[string]string{"request": strconv.FormatUint(a[0], 10)}
	case "kill":
		return map[string]string{"pid": strconv.FormatInt(int64(int32(a[0])), 10), "signal": strconv.FormatUint(a[1], 10)}
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// x86-64 syscall numbers for the calls the kernel reasons about.
var syscallNames = map[int]string{
	2:   "open",
	9:   "mmap",
	10:  "mprotect",
	42:  "connect",
	49:  "bind",
	56:  "clone",
	57:  "fork",
	59:  "execve",
	62:  "kill",
	90:  "chmod",
	91:  "fchmod",
	101: "ptrace",
	105: "setuid",
	106: "setgid",
	113: "setreuid",
	114: "setregid",
	117: "setresuid",
	119: "setresgid",
	126: "capset",
	156: "sysctl",
	165: "mount",
	175: "init_module",
	246: "kexec_load",
	257: "openat",
	268: "fchmodat",
	310: "process_vm_readv",
	311: "process_vm_writev",
	313: "finit_module",
	322: "execveat",
}

// SyscallName maps an x86-64 syscall number to its name; unknown numbers are
// rendered as sys_<n>.
func SyscallName(nr int) string {
	if name, ok := syscallNames[nr]; ok {
		return name
	}
	return "sys_" + strconv.Itoa(nr)
}
