package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/AaronLay10/SentientFlow/internal/config"
)

// Role represents an authorization role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// authConfig holds the admin and operator credentials.
type authConfig struct {
	admin    config.Credential
	operator config.Credential
	enabled  bool
}

var auth *authConfig

// InitAuth loads FLOW_ADMIN_USER/PASS and FLOW_OPERATOR_USER/PASS, each
// with the *_FILE variant. With no admin credentials authentication is
// disabled.
func InitAuth() error {
	admin, err := config.ResolveCredential("FLOW_ADMIN")
	if err != nil {
		return fmt.Errorf("admin credentials: %w", err)
	}
	operator, err := config.ResolveCredential("FLOW_OPERATOR")
	if err != nil {
		return fmt.Errorf("operator credentials: %w", err)
	}
	auth = &authConfig{admin: admin, operator: operator, enabled: admin.Set()}
	return nil
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials and returns the role if valid.
// Returns empty string if credentials are invalid.
func authenticate(r *http.Request) Role {
	if auth == nil || !auth.enabled {
		return RoleAdmin
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	if matches(auth.admin, user, pass) {
		return RoleAdmin
	}
	if matches(auth.operator, user, pass) {
		return RoleOperator
	}
	return ""
}

func matches(c config.Credential, user, pass string) bool {
	return c.Set() && secureCompare(user, c.User) && secureCompare(pass, c.Pass)
}

// secureCompare performs constant-time string comparison.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireAuth returns 401 Unauthorized with WWW-Authenticate header.
func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="SentientFlow"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RequireRole wraps a handler and requires one of the specified roles.
func RequireRole(handler http.HandlerFunc, allowedRoles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authenticate(r)
		if role == "" {
			requireAuth(w)
			return
		}
		for _, allowed := range allowedRoles {
			if role == allowed {
				handler(w, r)
				return
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// RequireAnyRole wraps a handler requiring admin OR operator role.
func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleOperator)
}

// RequireAdmin wraps a handler requiring admin role only.
func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
