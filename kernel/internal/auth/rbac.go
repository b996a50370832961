package auth

import (
	"net/http"
)

// Canonical role names.
const (
	// RoleSuperAdmin may do everything, including releasing quarantines.
	RoleSuperAdmin = "SuperAdmin"
	// RoleAuditor reads the ledger, baselines and quarantine list.
	RoleAuditor = "Auditor"
	// RoleInterceptor submits intercepted operations.
	RoleInterceptor = "Interceptor"
)

// HasRole returns true if the provided AuthInfo contains the requested role.
// SuperAdmin holds every role. A peer CN equal to the role name also counts,
// so service certificates can be issued per role.
func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role || r == RoleSuperAdmin {
			return true
		}
	}
	return ai.PeerCN != "" && (ai.PeerCN == role || ai.PeerCN == RoleSuperAdmin)
}

// RequireAnyRole returns middleware that allows the request if the AuthInfo has
// any one of the provided roles. Otherwise 403 is returned.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(ai, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
