package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cortexd/cortex/pkg/contracts"
	pkgmw "github.com/cortexd/cortex/pkg/middleware"
)

// AuthMiddleware authenticates every request against the pluggable
// AuthProviderChain and attaches the resulting Principal to the context.
// Unauthenticated requests to public paths are passed through with a nil
// principal; everything else with no principal is rejected here rather
// than at each handler, per §4.1.
type AuthMiddleware struct {
	chain contracts.AuthProviderChain
}

func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{chain: chain}
}

func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			kind := "invalid_credentials"
			status := http.StatusUnauthorized
			if ae, ok := err.(*contracts.AuthError); ok {
				kind = string(ae.Kind)
				// §4.1: 401 for missing/invalid/revoked/expired/ip_not_allowed; only
				// scope_not_permitted is a 403.
				if ae.Kind == contracts.ErrScopeNotPermitted {
					status = http.StatusForbidden
				}
			}
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeAuthError(w, status, kind, err.Error())
			return
		}
		if principal == nil {
			writeAuthError(w, http.StatusUnauthorized, string(contracts.ErrMissingCredentials), "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(pkgmw.SetPrincipal(r.Context(), principal)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="cortex"`)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "authentication_error",
			"code":    code,
		},
	})
}

// isAuthPublicPath returns true for the endpoints that need no credentials:
// liveness (/health), the model status panel (/v1/models/status), login
// itself, and everything under /dashboard. /v1/models is not public.
func isAuthPublicPath(path string) bool {
	public := []string{
		"/health",
		"/v1/models/status",
		"/auth/login",
	}
	for _, p := range public {
		if path == p {
			return true
		}
	}
	return strings.HasPrefix(path, "/dashboard")
}
