package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
)

// writeSelfSigned writes a self-signed cert/key pair and returns their paths.
func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "zt-kernel"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestNewTLSConfigFromFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir)

	cfg, err := NewTLSConfigFromFiles(certPath, keyPath, "", false)
	if err != nil {
		t.Fatalf("server only: %v", err)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Fatalf("ClientAuth = %v", cfg.ClientAuth)
	}

	cfg, err = NewTLSConfigFromFiles(certPath, keyPath, certPath, true)
	if err != nil {
		t.Fatalf("mtls: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Fatalf("mtls not enforced: %v", cfg.ClientAuth)
	}

	if _, err := NewTLSConfigFromFiles(certPath, keyPath, "", true); err == nil {
		t.Fatal("expected error for mtls without CA")
	}
	if _, err := NewTLSConfigFromFiles("", "", "", false); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("plain http: cfg=%v err=%v", cfg, err)
	}
	if _, err := FromConfig(config.TLSConfig{RequireMTLS: true}); err == nil {
		t.Fatal("expected error for mtls without cert")
	}
}
