// Package handlers implements the HTTP handlers behind Cortex's admin API
// and the model-registry listings (§6). The OpenAI-compatible surface
// itself is served directly by internal/proxy.Proxy; this package covers
// everything an operator drives from the dashboard or CLI: model CRUD and
// lifecycle control, users/orgs/keys, usage queries, the deployment job
// engine, and session login/logout.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cortexd/cortex/internal/deployment"
	"github.com/cortexd/cortex/internal/lifecycle"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/internal/usage"
	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/cortexd/cortex/pkg/middleware"
	"github.com/cortexd/cortex/pkg/models"
)

// Handlers holds every dependency the admin and registry handlers need. It
// is constructed once in the process composition root and its methods are
// registered directly as chi route handlers.
type Handlers struct {
	Store      store.Store
	Registry   *registry.Registry
	Controller *lifecycle.Controller
	Usage      *usage.Meter
	Deployment *deployment.Engine

	// SessionTTL governs how long an /auth/login cookie remains valid.
	SessionTTL time.Duration
}

// New creates a Handlers instance with every dependency wired.
func New(s store.Store, reg *registry.Registry, ctrl *lifecycle.Controller, u *usage.Meter, dep *deployment.Engine) *Handlers {
	return &Handlers{
		Store:      s,
		Registry:   reg,
		Controller: ctrl,
		Usage:      u,
		Deployment: dep,
		SessionTTL: 24 * time.Hour,
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

// respondError writes the OpenAI-shaped nested error envelope named in §6.
func respondError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorEnvelope{Error: apiError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// requirePrincipal returns the authenticated caller, writing a 401 and
// returning false if the request somehow reached this handler anonymously.
// The auth middleware should already have rejected it; handlers never rely
// on that alone.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*contracts.Principal, bool) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, "authentication_error", "missing_credentials", "authentication required")
		return nil, false
	}
	return p, true
}

// requireAdmin returns the authenticated session principal, rejecting API
// keys and non-admin users. Every /admin/* route calls this except
// ListMyKeys, CreateKey and RevokeKey, which accept any authenticated
// principal through requirePrincipal.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*contracts.Principal, bool) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return nil, false
	}
	if p.Kind != contracts.PrincipalSession || p.Role != models.RoleAdmin {
		respondError(w, http.StatusForbidden, "permission_error", "admin_required", "this endpoint requires an admin session")
		return nil, false
	}
	return p, true
}

func notFound(w http.ResponseWriter, entity string) {
	respondError(w, http.StatusNotFound, "invalid_request_error", "not_found", entity+" not found")
}

func isNotFound(err error) bool {
	_, ok := err.(*store.ErrNotFound)
	return ok
}
