package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
)

// NewTLSConfigFromFiles builds a server tls.Config from on-disk PEM files.
// clientCAFile is optional; with requireClientCert the client must present a
// certificate signed by it, otherwise certificates are verified if given.
func NewTLSConfigFromFiles(serverCertFile, serverKeyFile, clientCAFile string, requireClientCert bool) (*tls.Config, error) {
	if serverCertFile == "" || serverKeyFile == "" {
		return nil, errors.New("server cert and key files must be provided")
	}

	cert, err := tls.LoadX509KeyPair(serverCertFile, serverKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
		ClientAuth:    tls.NoClientCert,
	}

	if clientCAFile == "" {
		if requireClientCert {
			return nil, errors.New("requireClientCert=true but client CA file not provided")
		}
		return tlsCfg, nil
	}

	caPEM, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to parse client CA bundle")
	}
	tlsCfg.ClientCAs = pool
	if requireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}

// FromConfig returns nil when TLS is not configured.
func FromConfig(c config.TLSConfig) (*tls.Config, error) {
	if c.CertFile == "" {
		if c.RequireMTLS {
			return nil, errors.New("server.tls.require_mtls needs cert_file and key_file")
		}
		return nil, nil
	}
	return NewTLSConfigFromFiles(c.CertFile, c.KeyFile, c.ClientCAFile, c.RequireMTLS)
}
