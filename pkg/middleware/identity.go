// Package middleware provides context helpers shared between the auth
// middleware and the HTTP handlers.
package middleware

import (
	"context"

	"github.com/cortexd/cortex/pkg/contracts"
)

type contextKey string

const principalKey contextKey = "principal"

// SetPrincipal stores the authenticated Principal in the request context.
// Called by the auth middleware after successful authentication.
func SetPrincipal(ctx context.Context, p *contracts.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the authenticated Principal from the context.
// Returns nil for an anonymous request (only the unauthenticated endpoints
// named in §4.1 ever see a nil principal reach the handler).
func GetPrincipal(ctx context.Context) *contracts.Principal {
	if v, ok := ctx.Value(principalKey).(*contracts.Principal); ok {
		return v
	}
	return nil
}
