// Package ledger is the append-only, hash-chained audit log of enforcement
// decisions. Each entry commits to its predecessor so any later modification is
// detectable by Verify.
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/canonical"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/event"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/policy"
)

var (
	// ErrStorageUnavailable is returned when an entry could not be durably
	// written within the append timeout. The ledger head does not advance.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSequenceConflict is returned by stores when an entry does not extend
	// the current head.
	ErrSequenceConflict = errors.New("sequence conflict")
)

// Entry is one record of the ledger.
type Entry struct {
	Sequence   uint64              `json:"sequence"`
	Event      event.SecurityEvent `json:"event"`
	Decision   policy.Decision     `json:"decision"`
	PrevHash   string              `json:"prev_hash"`
	EntryHash  string              `json:"entry_hash"`
	Digest     string              `json:"digest"`
	Signature  string              `json:"signature,omitempty"`
	SignerID   string              `json:"signer_id,omitempty"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Head is the position of the last committed entry.
type Head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// GenesisHash is the prev_hash of the first entry for a digest of size n bytes.
func GenesisHash(n int) string {
	return strings.Repeat("0", n*2)
}

// Payload returns the canonical bytes covered by an entry hash.
func Payload(seq uint64, ev event.SecurityEvent, d policy.Decision) ([]byte, error) {
	return canonical.MarshalCanonical(map[string]interface{}{
		"sequence": seq,
		"event":    ev,
		"decision": d,
	})
}

// ComputeHash returns hex(H(prev_hash_bytes || payload)).
func ComputeHash(h digest.Hasher, prevHex string, seq uint64, ev event.SecurityEvent, d policy.Decision) (string, error) {
	prev, err := hex.DecodeString(prevHex)
	if err != nil {
		return "", fmt.Errorf("decode prev hash: %w", err)
	}
	payload, err := Payload(seq, ev, d)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", seq, err)
	}
	hs := h.New()
	hs.Write(prev)
	hs.Write(payload)
	return hex.EncodeToString(hs.Sum(nil)), nil
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Event.RawArgs != nil {
		c.Event.RawArgs = make(map[string]string, len(e.Event.RawArgs))
		for k, v := range e.Event.RawArgs {
			c.Event.RawArgs[k] = v
		}
	}
	return &c
}
