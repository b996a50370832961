package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/keys"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/signer"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sample(i int) (event.SecurityEvent, policy.Decision) {
	ev := event.SecurityEvent{
		ID:        fmt.Sprintf("ev-%d", i),
		Timestamp: testTime.Add(time.Duration(i) * time.Millisecond),
		Subject:   event.Subject{PID: 100 + i, PPID: 1, Comm: "worker"},
		Kind:      event.KindSyscall,
		Severity:  event.SeverityInfo,
		Syscall:   "openat",
		Target:    "/etc/hosts",
	}
	d := policy.Decision{EventID: ev.ID, Verdict: policy.Allow, Reason: fmt.Sprintf("r%d", i), MatchedRuleID: "allow-open"}
	return ev, d
}

func newSigned(t *testing.T) (*signer.Ed25519Signer, *keys.Registry) {
	t.Helper()
	s, err := signer.NewEphemeral("kernel-test")
	require.NoError(t, err)
	reg := keys.NewRegistry()
	reg.AddSigner(s.ID(), s.PublicKey(), signer.Algorithm)
	return s, reg
}

func TestAppendChainsEntries(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, NewMemoryStore(), WithClock(func() time.Time { return testTime }))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), l.Head().Sequence)
	assert.Equal(t, GenesisHash(32), l.Head().Hash)

	ev, d := sample(1)
	e1, err := l.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, GenesisHash(32), e1.PrevHash)
	assert.Equal(t, digest.Default, e1.Digest)

	ev, d = sample(2)
	e2, err := l.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, Head{Sequence: 2, Hash: e2.EntryHash}, l.Head())

	want, err := ComputeHash(digest.MustLookup(digest.Default), e1.EntryHash, 2, e2.Event, e2.Decision)
	require.NoError(t, err)
	assert.Equal(t, want, e2.EntryHash)
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	s, reg := newSigned(t)
	store := NewMemoryStore()
	l, err := Open(ctx, store, WithSigner(s))
	require.NoError(t, err)

	const n = 1000
	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, d := sample(i)
			e, err := l.Append(ctx, ev, d)
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			seqs[i] = e.Sequence
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, seq := range seqs {
		assert.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}

	res, err := l.Verify(ctx, reg, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, n, res.Checked)
	assert.Equal(t, uint64(n), res.To)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s, reg := newSigned(t)
	store := NewMemoryStore()
	l, err := Open(ctx, store, WithSigner(s))
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		ev, d := sample(i)
		_, err := l.Append(ctx, ev, d)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		mutate func(e *Entry)
		at     uint64
	}{
		{"decision flipped", func(e *Entry) { e.Decision.Verdict = policy.Deny }, 5},
		{"event rewritten", func(e *Entry) { e.Event.Target = "/etc/shadow" }, 3},
		{"prev hash", func(e *Entry) { e.PrevHash = GenesisHash(32) }, 7},
		{"signature", func(e *Entry) {
			e.Signature = base64.StdEncoding.EncodeToString(make([]byte, 64))
		}, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := store.entries[tt.at-1].clone()
			tt.mutate(store.entries[tt.at-1])
			defer func() { store.entries[tt.at-1] = orig }()

			res, err := Verify(ctx, store, reg, 0, 0)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tt.at, res.BrokenAt)
			assert.NotEmpty(t, res.Reason)
		})
	}

	res, err := Verify(ctx, store, reg, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerifyRejectsStrippedSignature(t *testing.T) {
	ctx := context.Background()
	s, reg := newSigned(t)
	store := NewMemoryStore()
	l, err := Open(ctx, store, WithSigner(s))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		ev, d := sample(i)
		_, err := l.Append(ctx, ev, d)
		require.NoError(t, err)
	}

	// forge the tail: flip the decision, recompute a valid hash, drop the signature
	tail := store.entries[2]
	tail.Decision.Verdict = policy.Deny
	h, err := ComputeHash(l.hasher, tail.PrevHash, tail.Sequence, tail.Event, tail.Decision)
	require.NoError(t, err)
	tail.EntryHash = h
	tail.Signature = ""
	tail.SignerID = ""

	res, err := Verify(ctx, store, reg, 0, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(3), res.BrokenAt)
	assert.Equal(t, "entry is not signed", res.Reason)

	// without keys only the hash chain is checked
	res, err = Verify(ctx, store, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestVerifyRangeUsesAnchor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, err := Open(ctx, store)
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		ev, d := sample(i)
		_, err := l.Append(ctx, ev, d)
		require.NoError(t, err)
	}

	res, err := Verify(ctx, store, nil, 3, 5)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Checked)

	store.entries[1].EntryHash = "00"
	res, err = Verify(ctx, store, nil, 3, 5)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(3), res.BrokenAt)
}

func TestVerifyEmptyLedger(t *testing.T) {
	res, err := Verify(context.Background(), NewMemoryStore(), nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Checked)
}

func TestAlternateDigest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, err := Open(ctx, store, WithHasher(digest.MustLookup("blake2b_256")))
	require.NoError(t, err)
	ev, d := sample(1)
	e, err := l.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, "blake2b_256", e.Digest)

	res, err := Verify(ctx, store, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Append(ctx context.Context, e *Entry) error { return f.err }

func TestAppendStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("disk full")}
	l, err := Open(ctx, store)
	require.NoError(t, err)

	ev, d := sample(1)
	_, err = l.Append(ctx, ev, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.Equal(t, uint64(0), l.Head().Sequence)
	assert.Zero(t, store.Len())
}

// blockingStore holds every append until release is closed. When honorCtx is
// false the write still lands after the caller gave up.
type blockingStore struct {
	*MemoryStore
	release  chan struct{}
	honorCtx bool
}

func (b *blockingStore) Append(ctx context.Context, e *Entry) error {
	<-b.release
	if !b.honorCtx {
		ctx = context.Background()
	}
	return b.MemoryStore.Append(ctx, e)
}

func TestAppendTimeout(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{}), honorCtx: true}
	l, err := Open(ctx, store, WithAppendTimeout(20*time.Millisecond))
	require.NoError(t, err)

	ev, d := sample(1)
	start := time.Now()
	_, err = l.Append(ctx, ev, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(0), l.Head().Sequence)

	close(store.release)
	ev, d = sample(2)
	e, err := l.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, 1, store.Len())
}

func TestAppendResyncsAfterLateWrite(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	l, err := Open(ctx, store, WithAppendTimeout(20*time.Millisecond))
	require.NoError(t, err)

	ev, d := sample(1)
	_, err = l.Append(ctx, ev, d)
	require.ErrorIs(t, err, ErrStorageUnavailable)

	close(store.release)
	ev, d = sample(2)
	e, err := l.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	res, err := Verify(ctx, store, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 2, res.Checked)
}

func TestOpenResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l, err := Open(ctx, store)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		ev, d := sample(i)
		_, err := l.Append(ctx, ev, d)
		require.NoError(t, err)
	}

	l2, err := Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, l.Head(), l2.Head())

	ev, d := sample(4)
	e, err := l2.Append(ctx, ev, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)

	got, err := l2.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, e.EntryHash, got.EntryHash)

	_, err = l2.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsGap(t *testing.T) {
	err := NewMemoryStore().Append(context.Background(), &Entry{Sequence: 2})
	assert.ErrorIs(t, err, ErrSequenceConflict)
}
