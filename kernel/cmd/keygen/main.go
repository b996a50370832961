// keygen writes an Ed25519 key pair for ledger signing or operator tokens and,
// optionally, an EdDSA operator token signed with the new key.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/auth"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	seedOut := flag.String("seed-out", "devops/certs/ledger_signing.key", "base64 seed output path (ledger.signing_key_path)")
	pubOut := flag.String("pub-out", "devops/certs/ledger_signing.pub", "PEM public key output path (auth.public_key_path)")
	tokenOut := flag.String("token-out", "", "write an operator token here when set")
	subject := flag.String("sub", "operator", "token subject")
	roles := flag.String("roles", auth.RoleAuditor, "comma separated token roles")
	issuer := flag.String("issuer", "", "token issuer (iss)")
	aud := flag.String("aud", "", "token audience (aud)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	must(err)

	must(os.MkdirAll(filepath.Dir(*seedOut), 0o755))
	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	must(os.WriteFile(*seedOut, []byte(seed+"\n"), 0o600))
	fmt.Printf("wrote seed -> %s\n", *seedOut)

	der, err := x509.MarshalPKIXPublicKey(pub)
	must(err)
	must(os.MkdirAll(filepath.Dir(*pubOut), 0o755))
	must(os.WriteFile(*pubOut, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644))
	fmt.Printf("wrote public key -> %s (raw=%s)\n", *pubOut, base64.StdEncoding.EncodeToString(pub))

	if *tokenOut == "" {
		return
	}
	var rs []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rs = append(rs, r)
		}
	}
	token, err := auth.IssueToken(priv, *subject, *issuer, *aud, rs, *ttl)
	must(err)
	must(os.MkdirAll(filepath.Dir(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (roles=%s)\n", *tokenOut, strings.Join(rs, ","))
}
