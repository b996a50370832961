// Package keys tracks the public keys of ledger signers so auditors can verify
// entry signatures.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// KeyInfo is the public metadata exposed for a signer.
type KeyInfo struct {
	SignerId  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey"` // base64-encoded
	CreatedAt time.Time `json:"createdAt"`
}

// Registry is an in-memory registry of signer public keys.
// It is safe for concurrent access.
type Registry struct {
	mtx  sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		keys: make(map[string]KeyInfo),
	}
}

// AddSigner registers a signer with its public key bytes and algorithm,
// replacing any previous entry for signerId.
func (r *Registry) AddSigner(signerId string, pubKey []byte, algorithm string) {
	r.put(KeyInfo{
		SignerId:  signerId,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(pubKey),
		CreatedAt: time.Now().UTC(),
	})
}

func (r *Registry) put(ki KeyInfo) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[ki.SignerId] = ki
}

// GetSigner returns a copy of KeyInfo for the given signerId.
func (r *Registry) GetSigner(signerId string) (*KeyInfo, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ki, ok := r.keys[signerId]
	if !ok {
		return nil, false
	}
	c := ki
	return &c, true
}

// ListSigners returns all signer infos ordered by id.
func (r *Registry) ListSigners() []KeyInfo {
	r.mtx.RLock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	r.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SignerId < out[j].SignerId })
	return out
}

// Verify checks an Ed25519 signature made by signerId over msg. sigB64 is the
// base64 signature as stored in the ledger.
func (r *Registry) Verify(signerId string, msg []byte, sigB64 string) error {
	ki, ok := r.GetSigner(signerId)
	if !ok {
		return fmt.Errorf("unknown signer %s", signerId)
	}
	pub, err := base64.StdEncoding.DecodeString(ki.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key for signer %s: %w", signerId, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("signer %s: public key has %d bytes", signerId, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return fmt.Errorf("signature verification failed for signer %s", signerId)
	}
	return nil
}

// StatusHandler exposes the registry as JSON: { "signers": [ KeyInfo, ... ] }.
func (r *Registry) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]interface{}{"signers": r.ListSigners()}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
