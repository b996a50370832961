// Package digest provides the swappable hash functions used for ledger chaining
// and memory/binary fingerprints.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Default is the digest used when none is configured.
const Default = "sha256"

// Hasher is a named hash function.
type Hasher interface {
	Name() string
	Size() int
	New() hash.Hash
	Sum(b []byte) []byte
}

type stdHasher struct {
	name string
	size int
	fn   func() hash.Hash
}

func (h stdHasher) Name() string   { return h.name }
func (h stdHasher) Size() int      { return h.size }
func (h stdHasher) New() hash.Hash { return h.fn() }

func (h stdHasher) Sum(b []byte) []byte {
	d := h.fn()
	d.Write(b)
	return d.Sum(nil)
}

func newBlake2b256() hash.Hash {
	// a nil key never errors
	h, _ := blake2b.New256(nil)
	return h
}

var registry = map[string]Hasher{
	"sha256":      stdHasher{name: "sha256", size: sha256.Size, fn: sha256.New},
	"sha512_256":  stdHasher{name: "sha512_256", size: sha512.Size256, fn: sha512.New512_256},
	"sha3_256":    stdHasher{name: "sha3_256", size: 32, fn: sha3.New256},
	"blake2b_256": stdHasher{name: "blake2b_256", size: blake2b.Size256, fn: newBlake2b256},
}

// Lookup returns the hasher registered under name. An empty name yields Default.
func Lookup(name string) (Hasher, error) {
	if name == "" {
		name = Default
	}
	h, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("digest: unknown algorithm %q", name)
	}
	return h, nil
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) Hasher {
	h, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return h
}

// Names lists the registered algorithms in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Hex returns the hex-encoded digest of b.
func Hex(h Hasher, b []byte) string {
	return hex.EncodeToString(h.Sum(b))
}
