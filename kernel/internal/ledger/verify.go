package ledger

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/keys"
)

// VerifyResult is the outcome of a chain walk. When OK is false, BrokenAt is
// the first sequence whose link, hash or signature does not hold.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Checked  int    `json:"checked"`
}

// Verify walks entries in [from, to] of store and checks, for each entry:
//   - the sequence directly follows its predecessor
//   - prev_hash equals the predecessor's entry_hash (genesis for sequence 1)
//   - entry_hash == H(prev_hash || canonical(sequence, event, decision))
//   - the signature, when reg is non-nil; unsigned entries then fail
//
// from == 0 starts at 1 and to == 0 runs to the head. When from > 1 the entry
// at from-1 is trusted as the anchor. Verify never modifies the store.
func Verify(ctx context.Context, store Store, reg *keys.Registry, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	res := VerifyResult{From: from, To: to}

	entries, err := store.Range(ctx, from, to)
	if err != nil {
		return res, fmt.Errorf("read entries: %w", err)
	}
	if len(entries) == 0 {
		res.OK = true
		return res, nil
	}

	var prev string
	if from > 1 {
		anchor, err := store.Get(ctx, from-1)
		if err != nil {
			return res, fmt.Errorf("read anchor %d: %w", from-1, err)
		}
		prev = anchor.EntryHash
	}

	expected := from
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if reason := checkEntry(e, expected, prev, reg); reason != "" {
			res.BrokenAt = expected
			res.Reason = reason
			return res, nil
		}
		prev = e.EntryHash
		expected++
		res.Checked++
	}
	res.To = expected - 1
	res.OK = true
	return res, nil
}

func checkEntry(e *Entry, expected uint64, prev string, reg *keys.Registry) string {
	if e.Sequence != expected {
		return fmt.Sprintf("sequence gap: expected %d, found %d", expected, e.Sequence)
	}
	h, err := digest.Lookup(e.Digest)
	if err != nil {
		return err.Error()
	}
	if expected == 1 {
		prev = GenesisHash(h.Size())
	}
	if e.PrevHash != prev {
		return fmt.Sprintf("prev_hash mismatch: stored=%s expected=%s", e.PrevHash, prev)
	}
	computed, err := ComputeHash(h, e.PrevHash, e.Sequence, e.Event, e.Decision)
	if err != nil {
		return err.Error()
	}
	if computed != e.EntryHash {
		return fmt.Sprintf("hash mismatch: computed=%s stored=%s", computed, e.EntryHash)
	}
	if reg != nil {
		if e.Signature == "" || e.SignerID == "" {
			return "entry is not signed"
		}
		raw, err := hex.DecodeString(e.EntryHash)
		if err != nil {
			return fmt.Sprintf("decode entry hash: %v", err)
		}
		if err := reg.Verify(e.SignerID, raw, e.Signature); err != nil {
			return err.Error()
		}
	}
	return ""
}

// Verify checks the ledger's own store; see the package-level Verify.
func (l *Ledger) Verify(ctx context.Context, reg *keys.Registry, from, to uint64) (VerifyResult, error) {
	return Verify(ctx, l.store, reg, from, to)
}
