package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cortexd/cortex/pkg/models"
)

// ListOrgs handles GET /admin/orgs.
func (h *Handlers) ListOrgs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	orgs, err := h.Store.ListOrgs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, orgs)
}

// CreateOrg handles POST /admin/orgs.
func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var org models.Organization
	if err := decodeJSON(r, &org); err != nil || org.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "name is required")
		return
	}
	org.ID = uuid.New().String()
	org.CreatedAt = time.Now().UTC()
	if err := h.Store.CreateOrg(r.Context(), &org); err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, org)
}

// DeleteOrg handles DELETE /admin/orgs/{id}.
func (h *Handlers) DeleteOrg(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Store.DeleteOrg(r.Context(), chi.URLParam(r, "id")); err != nil {
		if isNotFound(err) {
			notFound(w, "organization")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
