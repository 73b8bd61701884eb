// Package authn implements the pluggable authentication chain for Cortex:
// an ordered list of providers (API key, admin session) tried until one
// produces a Principal.
package authn

import (
	"context"
	"net/http"
	"sync"

	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// ProviderChain implements contracts.AuthProviderChain. It walks registered
// providers in order until one returns a Principal.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{providers: make([]contracts.AuthProvider, 0)}
}

// RegisterProvider adds a provider to the end of the chain.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().Str("provider", provider.Name()).Bool("enabled", provider.Enabled()).Msg("auth provider registered")
}

// Authenticate walks the chain of providers in order.
//
// Contract:
//   - (*Principal, nil) → authenticated, stop walking
//   - (nil, nil)        → this provider doesn't handle this request, try next
//   - (nil, error)      → auth attempted but failed, reject immediately
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Principal, error) {
	c.mu.RLock()
	providers := make([]contracts.AuthProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		principal, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().Str("provider", p.Name()).Err(err).Msg("auth provider rejected request")
			return nil, err
		}
		if principal != nil {
			log.Debug().Str("provider", p.Name()).Str("kind", string(principal.Kind)).Msg("request authenticated")
			return principal, nil
		}
	}

	return nil, nil
}

// ListProviders returns the names of all registered providers.
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}
