// Package integrity keeps per-process baselines of binary and memory-region
// digests and reports regions whose contents drift from the recorded baseline.
package integrity

import (
	"errors"
	"sync"
	"time"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
)

var (
	// ErrDuplicateProcess is returned when a start is observed for a pid that
	// is already tracked.
	ErrDuplicateProcess = errors.New("duplicate process")

	// ErrUnknownProcess is returned by memory checks for untracked pids.
	ErrUnknownProcess = errors.New("unknown process")
)

// Result is the outcome of a memory check.
type Result int

const (
	Ok Result = iota
	Tampered
)

func (r Result) String() string {
	if r == Tampered {
		return "tampered"
	}
	return "ok"
}

// MemoryCheck reports a region comparison. Expected is empty when the region
// was seen for the first time.
type MemoryCheck struct {
	Result   Result
	Region   string
	Expected string
	Observed string
}

// Baseline is an immutable snapshot of what is known about one live process.
// Updates publish a new Baseline; holders of an old pointer keep a consistent view.
type Baseline struct {
	PID         int               `json:"pid"`
	PPID        int               `json:"ppid"`
	Comm        string            `json:"comm"`
	ParentComm  string            `json:"parent_comm,omitempty"`
	ParentKnown bool              `json:"parent_known"`
	BinaryHash  string            `json:"binary_hash,omitempty"`
	Regions     map[string]string `json:"memory_region_hashes"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Region returns the recorded digest of a region.
func (b *Baseline) Region(name string) (string, bool) {
	h, ok := b.Regions[name]
	return h, ok
}

func (b *Baseline) withRegion(name, hash string, now time.Time) *Baseline {
	c := *b
	c.Regions = make(map[string]string, len(b.Regions)+1)
	for k, v := range b.Regions {
		c.Regions[k] = v
	}
	c.Regions[name] = hash
	c.UpdatedAt = now
	return &c
}

// Tracker owns one Baseline per live pid. Readers never block each other and
// only ever observe complete baselines.
type Tracker struct {
	mu     sync.RWMutex
	procs  map[int]*Baseline
	hasher digest.Hasher
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHasher sets the digest used by Fingerprint.
func WithHasher(h digest.Hasher) Option {
	return func(t *Tracker) { t.hasher = h }
}

// WithClock overrides the tracker clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		procs:  make(map[int]*Baseline),
		hasher: digest.MustLookup(digest.Default),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Fingerprint hashes raw binary or region contents with the configured digest.
func (t *Tracker) Fingerprint(data []byte) string {
	return digest.Hex(t.hasher, data)
}

// ObserveProcessStart records a new baseline. It fails with ErrDuplicateProcess
// if pid is already tracked.
func (t *Tracker) ObserveProcessStart(pid, ppid int, comm, binaryHash string) (*Baseline, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; ok {
		return nil, ErrDuplicateProcess
	}
	b := t.newBaselineLocked(pid, ppid, comm, binaryHash)
	t.procs[pid] = b
	return b, nil
}

// EnsureProcess returns the baseline for pid, creating one if the process was
// never observed starting. created reports whether a baseline was added.
func (t *Tracker) EnsureProcess(pid, ppid int, comm string) (b *Baseline, created bool) {
	t.mu.RLock()
	b, ok := t.procs[pid]
	t.mu.RUnlock()
	if ok {
		return b, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.procs[pid]; ok {
		return b, false
	}
	b = t.newBaselineLocked(pid, ppid, comm, "")
	t.procs[pid] = b
	return b, true
}

// Rebaseline replaces the process image after an exec: the binary hash is
// updated and region baselines are discarded. Untracked pids are started.
func (t *Tracker) Rebaseline(pid, ppid int, comm, binaryHash string) *Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.procs[pid]
	b := t.newBaselineLocked(pid, ppid, comm, binaryHash)
	if ok {
		b.CreatedAt = old.CreatedAt
	}
	t.procs[pid] = b
	return b
}

func (t *Tracker) newBaselineLocked(pid, ppid int, comm, binaryHash string) *Baseline {
	now := t.now().UTC()
	b := &Baseline{
		PID:        pid,
		PPID:       ppid,
		Comm:       comm,
		BinaryHash: binaryHash,
		Regions:    map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if parent, ok := t.procs[ppid]; ok && ppid != pid {
		b.ParentKnown = true
		b.ParentComm = parent.Comm
	}
	return b
}

// CheckMemory compares the digest of a region against the baseline. A region
// seen for the first time is recorded and reported Ok.
func (t *Tracker) CheckMemory(pid int, region, currentHash string) (MemoryCheck, error) {
	check := MemoryCheck{Result: Ok, Region: region, Observed: currentHash}

	t.mu.RLock()
	b, ok := t.procs[pid]
	t.mu.RUnlock()
	if !ok {
		return check, ErrUnknownProcess
	}
	if expected, seen := b.Region(region); seen {
		check.Expected = expected
		if expected != currentHash {
			check.Result = Tampered
		}
		return check, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.procs[pid]
	if !ok {
		return check, ErrUnknownProcess
	}
	// another check may have recorded the region in between
	if expected, seen := cur.Region(region); seen {
		check.Expected = expected
		if expected != currentHash {
			check.Result = Tampered
		}
		return check, nil
	}
	t.procs[pid] = cur.withRegion(region, currentHash, t.now().UTC())
	return check, nil
}

// ObserveProcessExit drops the baseline for pid. Unknown pids are ignored.
func (t *Tracker) ObserveProcessExit(pid int) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}

// Snapshot returns the current baseline for pid.
func (t *Tracker) Snapshot(pid int) (*Baseline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.procs[pid]
	return b, ok
}

// Len returns the number of tracked processes.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}
