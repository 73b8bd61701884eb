// Package contracts defines the authentication interfaces for the gateway's
// pluggable identity layer: an ordered chain of AuthProviders produces a
// Principal, which downstream handlers use for scope and ownership checks.
package contracts

import (
	"context"
	"net/http"
	"time"

	"github.com/cortexd/cortex/pkg/models"
)

// ── Principal ────────────────────────────────────────────────

// PrincipalKind distinguishes an API-key caller from a session-authenticated
// admin user.
type PrincipalKind string

const (
	PrincipalAPIKey  PrincipalKind = "apikey"
	PrincipalSession PrincipalKind = "session"
)

// Principal represents an authenticated caller, produced by an AuthProvider
// and consumed by the router and admin handlers. Kind tells an API-key
// caller from a session caller; admin-only handlers check it.
type Principal struct {
	Kind PrincipalKind

	// ApiKeyID / Scopes are populated for PrincipalAPIKey.
	ApiKeyID string
	Scopes   []models.Scope

	// UserID / Role are populated for PrincipalSession (and optionally for
	// an API key minted on a user's behalf).
	UserID string
	Role   models.UserRole

	OrgID string

	ExpiresAt time.Time
}

// HasScope reports whether the principal carries the given scope. Session
// principals (admins) implicitly satisfy every scope.
func (p *Principal) HasScope(s models.Scope) bool {
	if p.Kind == PrincipalSession {
		return true
	}
	for _, have := range p.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// ── AuthProvider ─────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns a Principal.
//
// Contract:
//   - (*Principal, nil) → authenticated, stop the chain
//   - (nil, nil)        → this provider doesn't handle this request, try next
//   - (nil, error)      → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
	Enabled() bool
}

// AuthProviderChain tries providers in registration order until one
// returns a Principal.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
	RegisterProvider(provider AuthProvider)
}

// ── Auth error kinds ─────────────────────────────────────────

// AuthErrorKind enumerates the failure reasons named in §4.1.
type AuthErrorKind string

const (
	ErrMissingCredentials AuthErrorKind = "missing_credentials"
	ErrInvalidCredentials AuthErrorKind = "invalid_credentials"
	ErrRevoked            AuthErrorKind = "revoked"
	ErrExpired            AuthErrorKind = "expired"
	ErrIPNotAllowed       AuthErrorKind = "ip_not_allowed"
	ErrScopeNotPermitted  AuthErrorKind = "scope_not_permitted"
)

// AuthError carries one of the above kinds plus a human message. The HTTP
// layer maps Kind to a status code and OpenAI-shaped error envelope without
// ever stating, in the message, whether a key prefix exists.
type AuthError struct {
	Kind    AuthErrorKind
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func NewAuthError(kind AuthErrorKind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}
