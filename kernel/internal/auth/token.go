package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
)

// Claims are the operator token claims. Roles may also be carried as a
// space-separated scope.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Scope string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// AllRoles merges the roles claim and the scope.
func (c *Claims) AllRoles() []string {
	out := append([]string(nil), c.Roles...)
	out = append(out, strings.Fields(c.Scope)...)
	return out
}

// TokenValidator checks bearer tokens against one configured key.
type TokenValidator struct {
	key    any
	parser *jwt.Parser
}

// NewTokenValidator uses the Ed25519 public key when configured and the HMAC
// secret otherwise. Expiry is mandatory.
func NewTokenValidator(cfg config.AuthConfig) (*TokenValidator, error) {
	v := &TokenValidator{}
	var method string
	switch {
	case len(cfg.PublicKey) > 0:
		pub, err := ParseEd25519PublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.key, method = pub, jwt.SigningMethodEdDSA.Alg()
	case cfg.HMACSecret != "":
		v.key, method = []byte(cfg.HMACSecret), jwt.SigningMethodHS256.Alg()
	default:
		return nil, errors.New("auth: no public key or hmac secret configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Validate parses and verifies a compact JWT.
func (v *TokenValidator) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return claims, nil
}

// ParseEd25519PublicKey accepts a PEM PUBLIC KEY block or a base64 raw key.
func ParseEd25519PublicKey(data []byte) (ed25519.PublicKey, error) {
	if strings.Contains(string(data), "-----BEGIN") {
		k, err := jwt.ParseEdPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := k.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("parse public key: not ed25519")
		}
		return pub, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("parse public key: %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// IssueToken signs an EdDSA operator token.
func IssueToken(key ed25519.PrivateKey, subject, issuer, audience string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}
