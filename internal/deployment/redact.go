package deployment

// redactedKeys names the fields model manifests carry that must never leave
// the gateway in plaintext: HuggingFace-style access tokens and anything
// shaped like a credential.
var redactedKeys = []string{"hf_token", "api_key", "api_secret", "auth_token"}

const redactionMarker = "***REDACTED***"

// redactManifestConfig returns a copy of cfg with every sensitive key
// replaced by redactionMarker, plus the list of keys it touched so the
// caller can record them in the manifest's RedactedTokens field.
func redactManifestConfig(cfg map[string]any) (map[string]any, []string) {
	if cfg == nil {
		return nil, nil
	}
	out := make(map[string]any, len(cfg))
	var touched []string
	for k, v := range cfg {
		out[k] = v
	}
	for _, key := range redactedKeys {
		if _, ok := out[key]; ok {
			out[key] = redactionMarker
			touched = append(touched, key)
		}
	}
	return out, touched
}
