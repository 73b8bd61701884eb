package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLogMatchesKnownPatterns(t *testing.T) {
	cases := []struct {
		log  string
		code string
	}{
		{"CUDA out of memory, tried to allocate 2GiB", "oom_weight_load"},
		{"OSError: tokenizer not found in local cache", "offline_tokenizer_missing"},
		{"NCCL timeout waiting for peer rank 2", "multi_gpu_coordination_timeout"},
		{"Error: driver mismatch between host and container", "driver_runtime_mismatch"},
		{"still loading model, please retry", "loading_model"},
		{"prompt exceeds context length of 4096 tokens", "context_length_exceeded"},
	}
	for _, c := range cases {
		code, _, _, matched := ClassifyLog(c.log)
		assert.True(t, matched, c.log)
		assert.Equal(t, c.code, code, c.log)
	}
}

func TestClassifyLogNoMatchReturnsFalse(t *testing.T) {
	code, message, fixHint, matched := ClassifyLog("totally unrelated benign startup banner")
	assert.False(t, matched)
	assert.Equal(t, "", code)
	assert.Equal(t, "no pattern matched", message)
	assert.Equal(t, "", fixHint)
}
