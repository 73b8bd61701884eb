package lifecycle

import "strings"

// logPattern is one entry of the diagnostic classifier described in
// §4.5.4: a substring of stderr/stdout maps to a stable code, a
// human-readable message, and a fix hint.
type logPattern struct {
	substr  string
	code    string
	message string
	fixHint string
}

var logPatterns = []logPattern{
	{
		substr:  "out of memory",
		code:    "oom_weight_load",
		message: "insufficient VRAM during weight load",
		fixHint: "lower gpu_memory_utilization or choose a smaller model",
	},
	{
		substr:  "cuda out of memory",
		code:    "oom_weight_load",
		message: "insufficient VRAM during weight load",
		fixHint: "lower gpu_memory_utilization or choose a smaller model",
	},
	{
		substr:  "tokenizer not found",
		code:    "offline_tokenizer_missing",
		message: "offline tokenizer unavailable",
		fixHint: "pre-cache the tokenizer or point to a local config path",
	},
	{
		substr:  "nccl timeout",
		code:    "multi_gpu_coordination_timeout",
		message: "multi-GPU coordination timeout",
		fixHint: "check interconnect, raise the coordination timeout",
	},
	{
		substr:  "driver mismatch",
		code:    "driver_runtime_mismatch",
		message: "driver/runtime version mismatch",
		fixHint: "update the host driver to the required minimum",
	},
	{
		substr:  "incompatible driver",
		code:    "driver_runtime_mismatch",
		message: "driver/runtime version mismatch",
		fixHint: "update the host driver to the required minimum",
	},
	{
		substr:  "loading model",
		code:    "loading_model",
		message: "model still loading",
		fixHint: "retry with backoff",
	},
	{
		substr:  "context length",
		code:    "context_length_exceeded",
		message: "prompt exceeds the configured context length",
		fixHint: "shorten the prompt or raise context length",
	},
}

// ClassifyLog scans logTail for the first matching pattern and returns a
// triad describing it. When nothing matches, Matched is false and the tail
// is preserved verbatim for operator inspection.
func ClassifyLog(logTail string) (code, message, fixHint string, matched bool) {
	lower := strings.ToLower(logTail)
	for _, p := range logPatterns {
		if strings.Contains(lower, p.substr) {
			return p.code, p.message, p.fixHint, true
		}
	}
	return "", "no pattern matched", "", false
}
