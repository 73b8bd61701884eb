package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cortexd/cortex/internal/authn"
	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/cortexd/cortex/pkg/models"
)

// ListKeys handles GET /admin/keys: every key across all users.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	list, err := h.Store.ListApiKeys(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// ListMyKeys handles GET /admin/keys/me: the caller's own keys, the
// self-service listing named in §6. Available to any authenticated
// principal (session or API key), not just admins.
func (h *Handlers) ListMyKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	list, err := h.Store.ListApiKeys(r.Context(), p.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

type createKeyRequest struct {
	Scopes      []models.Scope `json:"scopes"`
	IPAllowlist []string       `json:"ip_allowlist,omitempty"`
	ExpiresIn   string         `json:"expires_in,omitempty"` // Go duration string, e.g. "720h"
	UserID      string         `json:"user_id,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
}

type createKeyResponse struct {
	models.ApiKey
	Token string `json:"token"`
}

// CreateKey handles POST /admin/keys. The full bearer token is returned
// exactly once, in this response body (§8 property 3); the store keeps only
// the prefix and the sha256 hash, and later listings show the prefix.
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Scopes) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "at least one scope is required")
		return
	}

	userID := req.UserID
	orgID := req.OrgID
	if p.Kind != contracts.PrincipalSession || p.Role != models.RoleAdmin {
		userID = p.UserID
		orgID = p.OrgID
	}

	full, prefix, hash, err := authn.GenerateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "keygen_failed", err.Error())
		return
	}

	key := models.ApiKey{
		ID:          uuid.New().String(),
		Prefix:      prefix,
		Hash:        hash,
		Scopes:      req.Scopes,
		IPAllowlist: req.IPAllowlist,
		UserID:      userID,
		OrgID:       orgID,
		CreatedAt:   time.Now().UTC(),
	}
	if req.ExpiresIn != "" {
		if d, perr := time.ParseDuration(req.ExpiresIn); perr == nil {
			exp := time.Now().UTC().Add(d)
			key.ExpiresAt = &exp
		}
	}

	if err := h.Store.CreateApiKey(r.Context(), &key); err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, createKeyResponse{ApiKey: key, Token: full})
}

// RevokeKey handles POST /admin/keys/{id}/revoke.
func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	if err := h.Store.RevokeApiKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		if isNotFound(err) {
			notFound(w, "api key")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "revoke_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
