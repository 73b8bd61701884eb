package handlers

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cortexd/cortex/internal/authn"
	"github.com/cortexd/cortex/pkg/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /auth/login: verifies the bcrypt password hash and
// mints an opaque session token set as an HttpOnly cookie. §9 (Open
// Questions) notes the source applies no IP allowlist to admin login; this
// spec adopts that, so no allowlist check happens here.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "username and password are required")
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "authentication_error", "invalid_credentials", "invalid username or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "authentication_error", "invalid_credentials", "invalid username or password")
		return
	}

	token, err := authn.GenerateSessionToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "session_failed", "failed to create session")
		return
	}

	ttl := h.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	sess := models.Session{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := h.Store.CreateSession(r.Context(), &sess); err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "session_failed", err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authn.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"role":    user.Role,
	})
}

// Logout handles POST /auth/logout: revokes the session and clears the
// cookie. Idempotent — logging out twice is not an error.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(authn.SessionCookieName); err == nil && c.Value != "" {
		_ = h.Store.RevokeSession(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authn.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
