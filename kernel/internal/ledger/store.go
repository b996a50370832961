package ledger

import (
	"context"
	"sync"
)

// Store persists ledger entries. Append must be atomic: either the whole entry
// is durable or nothing is. Implementations reject entries whose sequence does
// not directly follow the stored head with ErrSequenceConflict.
type Store interface {
	Append(ctx context.Context, e *Entry) error

	// Head returns the last entry, or nil for an empty ledger.
	Head(ctx context.Context) (*Entry, error)

	// Range returns entries with from <= sequence <= to in ascending order.
	// to == 0 means up to the head.
	Range(ctx context.Context, from, to uint64) ([]*Entry, error)

	// Get returns one entry or ErrNotFound.
	Get(ctx context.Context, seq uint64) (*Entry, error)

	Ping(ctx context.Context) error
}

// MemoryStore keeps entries in process memory. It is used by tests and by
// deployments that only need the chain for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Sequence != uint64(len(m.entries))+1 {
		return ErrSequenceConflict
	}
	m.entries = append(m.entries, e.clone())
	return nil
}

func (m *MemoryStore) Head(ctx context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	return m.entries[len(m.entries)-1].clone(), nil
}

func (m *MemoryStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint64(len(m.entries))
	if from == 0 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return nil, nil
	}
	out := make([]*Entry, 0, to-from+1)
	for s := from; s <= to; s++ {
		out = append(out, m.entries[s-1].clone())
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq == 0 || seq > uint64(len(m.entries)) {
		return nil, ErrNotFound
	}
	return m.entries[seq-1].clone(), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
