package auth

import (
	"context"
	"crypto/x509"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/config"
)

// key types for context values
type ctxKey string

const (
	ctxKeyAuthInfo ctxKey = "kernel.authInfo"
)

// Dev-only identity headers, honoured when auth.dev_skip_mtls is set.
const (
	HeaderClientCN = "X-Client-CN"
	HeaderRoles    = "X-Roles"
)

// AuthInfo holds extracted authentication information for the request.
type AuthInfo struct {
	// Peer service identity (from client cert CN) when using mTLS.
	PeerCN string

	// Subject and Issuer of a validated bearer token.
	Subject string
	Issuer  string

	Roles []string
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

// WithAuthInfo stores ai in ctx.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// NewMiddleware authenticates every request:
//   - with auth disabled, every caller is treated as SuperAdmin when
//     AllowAnonymous is set and refused otherwise;
//   - with requireMTLS, a verified client certificate must be present;
//   - a bearer token, when sent, must validate; its roles are attached.
//
// Role checks happen later in RequireAnyRole.
func NewMiddleware(cfg config.AuthConfig, requireMTLS bool, tokens *TokenValidator, logger *zap.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				if !cfg.AllowAnonymous {
					http.Error(w, "authentication not configured", http.StatusUnauthorized)
					return
				}
				ai := &AuthInfo{PeerCN: peerCN(r), Roles: []string{RoleSuperAdmin}}
				next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
				return
			}

			ai := &AuthInfo{}
			switch {
			case cfg.DevSkipMTLS:
				ai.PeerCN = r.Header.Get(HeaderClientCN)
				ai.Roles = splitRoles(r.Header.Get(HeaderRoles))
			case requireMTLS:
				if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
					http.Error(w, "mTLS required", http.StatusUnauthorized)
					return
				}
				ai.PeerCN = certCommonName(r.TLS.PeerCertificates[0])
			default:
				ai.PeerCN = peerCN(r)
			}

			if raw := bearerToken(r); raw != "" {
				if tokens == nil {
					http.Error(w, "bearer tokens not accepted", http.StatusUnauthorized)
					return
				}
				claims, err := tokens.Validate(raw)
				if err != nil {
					logger.Debug("token rejected", zap.String("peer_cn", ai.PeerCN), zap.Error(err))
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				ai.Subject = claims.Subject
				ai.Issuer = claims.Issuer
				ai.Roles = append(ai.Roles, claims.AllRoles()...)
			}

			logger.Debug("principal extracted",
				zap.String("peer_cn", ai.PeerCN),
				zap.String("subject", ai.Subject),
				zap.Strings("roles", ai.Roles))
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func peerCN(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return certCommonName(r.TLS.PeerCertificates[0])
	}
	return ""
}

func splitRoles(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func certCommonName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}
