// Package signer signs ledger entry hashes.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Algorithm is the only signature scheme the ledger emits.
const Algorithm = "Ed25519"

// Signer signs entry hashes.
type Signer interface {
	// Sign signs the provided hash bytes and returns (signature, signerId, error).
	Sign(hash []byte) (sig []byte, signerId string, err error)

	// PublicKey returns the public key bytes for verification.
	PublicKey() []byte
}

// Ed25519Signer is an in-process Ed25519 signer.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerId string
}

// NewEphemeral generates a fresh keypair. Signatures made with it can only be
// verified while the process is alive unless the public key is published.
func NewEphemeral(signerId string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, signerId: signerId}, nil
}

// FromSeed builds a signer from a 32 byte Ed25519 seed.
func FromSeed(signerId string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		signerId: signerId,
	}, nil
}

// FromBase64Seed decodes a standard base64 seed as written by keygen.
func FromBase64Seed(signerId, encoded string) (*Ed25519Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return FromSeed(signerId, seed)
}

// Sign implements Signer.Sign.
func (s *Ed25519Signer) Sign(hash []byte) ([]byte, string, error) {
	if s.priv == nil {
		return nil, "", errors.New("signer: private key not initialized")
	}
	return ed25519.Sign(s.priv, hash), s.signerId, nil
}

// PublicKey returns the Ed25519 public key bytes.
func (s *Ed25519Signer) PublicKey() []byte {
	return s.pub
}

// ID returns the logical signer id.
func (s *Ed25519Signer) ID() string {
	return s.signerId
}
