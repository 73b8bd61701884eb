package authn

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateAPIKey mints a new bearer token: 32 random bytes hex-encoded,
// prefixed with "sk-" the way the rest of the ecosystem shapes API keys.
// It returns the full token (shown to the caller exactly once), the
// 8-character prefix used for lookup, and the SHA-256 hash stored at rest.
func GenerateAPIKey() (full, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("authn: generate api key: %w", err)
	}
	full = "sk-" + hex.EncodeToString(buf)
	prefix = full[:8]
	sum := sha256.Sum256([]byte(full))
	hash = hex.EncodeToString(sum[:])
	return full, prefix, hash, nil
}

// GenerateSessionToken mints an opaque session token for the admin cookie.
func GenerateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("authn: generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
