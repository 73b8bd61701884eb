package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// lastUsedThrottle is the minimum interval between last_used_at writes for
// the same key, so a hot key doesn't serialize every request through a
// store update (§4.1: "no more than once per N seconds per key").
const lastUsedThrottle = 30 * time.Second

// APIKeyProvider authenticates bearer tokens against the ApiKey table.
type APIKeyProvider struct {
	store store.Store

	// trustedProxyHops is how many X-Forwarded-For hops (from the right)
	// to trust when computing the effective client address.
	trustedProxyHops int

	mu         sync.Mutex
	lastTouch  map[string]time.Time
}

// NewAPIKeyProvider creates an API key auth provider backed by the store.
func NewAPIKeyProvider(s store.Store, trustedProxyHops int) *APIKeyProvider {
	return &APIKeyProvider{
		store:             s,
		trustedProxyHops:  trustedProxyHops,
		lastTouch:         make(map[string]time.Time),
	}
}

func (p *APIKeyProvider) Name() string  { return "apikey" }
func (p *APIKeyProvider) Enabled() bool { return true }

// Authenticate implements the algorithm in §4.1: parse bearer token, split
// prefix/secret, hash the whole token, look up by prefix, constant-time
// compare the hash, then check revocation, expiry, and IP allowlist.
func (p *APIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Principal, error) {
	token := extractBearerToken(r)
	if token == "" {
		return nil, nil
	}
	if len(token) < 8 {
		return nil, contracts.NewAuthError(contracts.ErrInvalidCredentials, "malformed api key")
	}

	prefix := token[:8]
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	key, err := p.store.GetApiKeyByPrefix(ctx, prefix)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, contracts.NewAuthError(contracts.ErrInvalidCredentials, "invalid api key")
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.Hash)) != 1 {
		// Never reveal whether the prefix matched a real key versus the
		// secret being wrong — same error either way.
		return nil, contracts.NewAuthError(contracts.ErrInvalidCredentials, "invalid api key")
	}

	if key.RevokedAt != nil {
		return nil, contracts.NewAuthError(contracts.ErrRevoked, "api key revoked")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, contracts.NewAuthError(contracts.ErrExpired, "api key expired")
	}

	if len(key.IPAllowlist) > 0 {
		clientIP := effectiveClientIP(r, p.trustedProxyHops)
		if !ipInAllowlist(clientIP, key.IPAllowlist) {
			return nil, contracts.NewAuthError(contracts.ErrIPNotAllowed, "source ip not allowed for this key")
		}
	}

	p.touchLastUsed(ctx, key.ID)

	return &contracts.Principal{
		Kind:     contracts.PrincipalAPIKey,
		ApiKeyID: key.ID,
		Scopes:   key.Scopes,
		UserID:   key.UserID,
		OrgID:    key.OrgID,
	}, nil
}

func (p *APIKeyProvider) touchLastUsed(ctx context.Context, keyID string) {
	now := time.Now()

	p.mu.Lock()
	last, ok := p.lastTouch[keyID]
	if ok && now.Sub(last) < lastUsedThrottle {
		p.mu.Unlock()
		return
	}
	p.lastTouch[keyID] = now
	p.mu.Unlock()

	if err := p.store.TouchApiKeyLastUsed(ctx, keyID, now); err != nil {
		log.Warn().Err(err).Str("api_key_id", keyID).Msg("failed to update api key last_used_at")
	}
}

func extractBearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// effectiveClientIP takes the trustedHops-th X-Forwarded-For entry counted
// from the right (trustedHops 1 means the last entry), and falls back to
// RemoteAddr when the header is absent, trustedHops is 0, the header has
// fewer entries, or that entry is not an IP.
func effectiveClientIP(r *http.Request, trustedHops int) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && trustedHops > 0 {
		parts := strings.Split(xff, ",")
		idx := len(parts) - trustedHops
		if idx >= 0 && idx < len(parts) {
			if ip := net.ParseIP(strings.TrimSpace(parts[idx])); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func ipInAllowlist(ip net.IP, cidrs []string) bool {
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
