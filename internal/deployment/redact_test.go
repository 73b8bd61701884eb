package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactManifestConfigMasksKnownKeys(t *testing.T) {
	cfg := map[string]any{"hf_token": "hf_abc123xyz", "max_model_len": 4096}
	redacted, touched := redactManifestConfig(cfg)

	assert.Equal(t, redactionMarker, redacted["hf_token"])
	assert.Equal(t, 4096, redacted["max_model_len"])
	assert.Equal(t, []string{"hf_token"}, touched)

	assert.Equal(t, "hf_abc123xyz", cfg["hf_token"], "original map must not be mutated")
}

func TestRedactManifestConfigNilIsNoop(t *testing.T) {
	redacted, touched := redactManifestConfig(nil)
	assert.Nil(t, redacted)
	assert.Nil(t, touched)
}
