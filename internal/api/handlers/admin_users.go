package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexd/cortex/pkg/models"
)

// ListUsers handles GET /admin/users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	list, err := h.Store.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

type createUserRequest struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Role     models.UserRole `json:"role"`
	OrgID    string          `json:"org_id"`
}

// CreateUser handles POST /admin/users. The plaintext password never
// reaches the store: it is bcrypt-hashed here and discarded.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "hash_failed", "failed to hash password")
		return
	}

	user := models.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		OrgID:        req.OrgID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Store.CreateUser(r.Context(), &user); err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// DeleteUser handles DELETE /admin/users/{id}.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Store.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		if isNotFound(err) {
			notFound(w, "user")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
