// Package quarantine isolates processes whose integrity was violated. A
// quarantined pid is denied every operation until it exits; its binary hash is
// quarantined too, so new processes started from the same image are denied as
// well, on this node and, with RedisSync, across the fleet.
package quarantine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry describes one quarantined pid.
type Entry struct {
	PID        int       `json:"pid"`
	Comm       string    `json:"comm"`
	BinaryHash string    `json:"binary_hash,omitempty"`
	Reason     string    `json:"reason"`
	Since      time.Time `json:"since"`
}

// Publisher propagates binary quarantine changes to other nodes.
type Publisher interface {
	PublishBinary(ctx context.Context, hash string, on bool) error
}

// Registry is the node-local quarantine set.
type Registry struct {
	mu       sync.RWMutex
	pids     map[int]Entry
	binaries map[string]struct{}
	pub      Publisher
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pids:     make(map[int]Entry),
		binaries: make(map[string]struct{}),
		now:      time.Now,
	}
}

// SetPublisher attaches fleet propagation.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.pub = p
	r.mu.Unlock()
}

// Quarantine isolates pid and, when known, its binary hash. A pid of 0
// quarantines only the binary.
func (r *Registry) Quarantine(ctx context.Context, pid int, comm, binaryHash, reason string) error {
	r.mu.Lock()
	if pid > 0 {
		r.pids[pid] = Entry{PID: pid, Comm: comm, BinaryHash: binaryHash, Reason: reason, Since: r.now().UTC()}
	}
	_, had := r.binaries[binaryHash]
	if binaryHash != "" {
		r.binaries[binaryHash] = struct{}{}
	}
	pub := r.pub
	r.mu.Unlock()

	if pub != nil && binaryHash != "" && !had {
		return pub.PublishBinary(ctx, binaryHash, true)
	}
	return nil
}

// Release lifts the quarantine of pid and its binary.
func (r *Registry) Release(ctx context.Context, pid int) (bool, error) {
	r.mu.Lock()
	e, ok := r.pids[pid]
	delete(r.pids, pid)
	if ok && e.BinaryHash != "" {
		delete(r.binaries, e.BinaryHash)
	}
	pub := r.pub
	r.mu.Unlock()

	if ok && pub != nil && e.BinaryHash != "" {
		return true, pub.PublishBinary(ctx, e.BinaryHash, false)
	}
	return ok, nil
}

// ReleaseBinary lifts the quarantine of a binary hash. Pids already isolated
// stay isolated.
func (r *Registry) ReleaseBinary(ctx context.Context, hash string) (bool, error) {
	r.mu.Lock()
	_, ok := r.binaries[hash]
	delete(r.binaries, hash)
	pub := r.pub
	r.mu.Unlock()

	if ok && pub != nil {
		return true, pub.PublishBinary(ctx, hash, false)
	}
	return ok, nil
}

// Forget drops an exited pid. The binary stays quarantined.
func (r *Registry) Forget(pid int) {
	r.mu.Lock()
	delete(r.pids, pid)
	r.mu.Unlock()
}

// IsQuarantined reports whether pid or the binary it runs is isolated.
func (r *Registry) IsQuarantined(pid int, binaryHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pids[pid]; ok {
		return true
	}
	if binaryHash != "" {
		_, ok := r.binaries[binaryHash]
		return ok
	}
	return false
}

// applyBinary changes the binary set without publishing.
func (r *Registry) applyBinary(hash string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.binaries[hash] = struct{}{}
	} else {
		delete(r.binaries, hash)
	}
}

// List returns quarantined pids ordered by pid.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.pids))
	for _, e := range r.pids {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Binaries returns quarantined binary hashes, sorted.
func (r *Registry) Binaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.binaries))
	for h := range r.binaries {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Len is the number of quarantined pids plus binaries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pids) + len(r.binaries)
}
