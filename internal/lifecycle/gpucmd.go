package lifecycle

import (
	"fmt"
	"sort"

	"github.com/cortexd/cortex/pkg/models"
)

// buildGPUCommand constructs the GPU-serving engine's command line and
// environment per §4.5.1. Unknown engine_config keys are ignored here —
// the dry-run validator is responsible for warning about those.
func buildGPUCommand(m *models.Model, cfg engineCommandConfig) (args []string, env map[string]string) {
	ec := m.EngineConfig
	args = []string{
		"--model", weightsPath(m),
		"--served-model-name", m.ServedModelName,
		"--port", "8000",
		"--host", "0.0.0.0",
	}

	if v, ok := floatArg(ec, "gpu_memory_utilization"); ok {
		args = append(args, "--gpu-memory-utilization", fmt.Sprintf("%v", v))
	}
	if v, ok := intArg(ec, "max_model_len"); ok {
		args = append(args, "--max-model-len", fmt.Sprintf("%d", v))
	}
	if v, ok := strArg(ec, "kv_cache_dtype"); ok {
		args = append(args, "--kv-cache-dtype", v)
	}
	if v, ok := intArg(ec, "block_size"); ok {
		args = append(args, "--block-size", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "swap_space"); ok {
		args = append(args, "--swap-space", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "tensor_parallel_size"); ok {
		args = append(args, "--tensor-parallel-size", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "pipeline_parallel_size"); ok {
		args = append(args, "--pipeline-parallel-size", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "max_num_batched_tokens"); ok {
		args = append(args, "--max-num-batched-tokens", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "max_num_seqs"); ok {
		args = append(args, "--max-num-seqs", fmt.Sprintf("%d", v))
	}
	if v, ok := boolArg(ec, "enable_prefix_caching"); ok && v {
		args = append(args, "--enable-prefix-caching")
		if algo, ok := strArg(ec, "prefix_caching_hash_algo"); ok {
			args = append(args, "--prefix-caching-hash-algo", algo)
		}
	}
	if v, ok := boolArg(ec, "enable_chunked_prefill"); ok && v {
		args = append(args, "--enable-chunked-prefill")
	}
	if sizes, ok := ec["cuda_graph_sizes"].([]any); ok {
		for _, s := range sizes {
			args = append(args, "--cuda-graph-sizes", fmt.Sprintf("%v", s))
		}
	}
	if v, ok := strArg(ec, "dtype"); ok {
		args = append(args, "--dtype", v)
	}
	if v, ok := strArg(ec, "quantization"); ok {
		args = append(args, "--quantization", v)
	}
	if v, ok := boolArg(ec, "enforce_eager"); ok && v {
		args = append(args, "--enforce-eager")
	}
	if v, ok := strArg(ec, "attention_backend"); ok {
		args = append(args, "--attention-backend", v)
	}
	if v, ok := boolArg(ec, "trust_remote_code"); ok && v {
		args = append(args, "--trust-remote-code")
	}
	if m.TokenizerOverride != "" {
		args = append(args, "--tokenizer", m.TokenizerOverride)
	}
	if m.HFConfigPath != "" {
		args = append(args, "--hf-config-path", m.HFConfigPath)
	}
	if v, ok := strArg(ec, "distributed_executor_backend"); ok {
		args = append(args, "--distributed-executor-backend", v)
	}
	if spec, ok := ec["speculative_config"].(map[string]any); ok {
		if method, ok := spec["method"].(string); ok {
			args = append(args, "--speculative-model-method", method)
		}
		if n, ok := intFromAny(spec["num_speculative_tokens"]); ok {
			args = append(args, "--num-speculative-tokens", fmt.Sprintf("%d", n))
		}
	}

	env = defaultGPUEnv(cfg)
	if m.OfflineFlag {
		env["HF_HUB_OFFLINE"] = "1"
		env["TRANSFORMERS_OFFLINE"] = "1"
	}
	if cfg.SharedSecret != "" {
		env["CORTEX_UPSTREAM_SHARED_SECRET"] = cfg.SharedSecret
	}

	return args, env
}

// defaultGPUEnv are the environment variables applied unconditionally per
// §4.5.1: sensible multi-GPU coordination defaults. buildGPUCommand adds the
// offline variables and the internal shared secret on top when they apply.
func defaultGPUEnv(cfg engineCommandConfig) map[string]string {
	return map[string]string{
		"NCCL_TIMEOUT_MS":      fmt.Sprintf("%d", cfg.MultiGPUConnTimeout.Milliseconds()),
		"NCCL_DEBUG":           "WARN",
		"NCCL_BLOCKING_WAIT":   "0",
		"VLLM_WORKER_MULTIPROC_METHOD": "spawn",
	}
}

func weightsPath(m *models.Model) string {
	if m.LocalPath != "" {
		return m.LocalPath
	}
	return m.RepoID
}

func floatArg(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intArg(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return intFromAny(v)
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func strArg(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func boolArg(m map[string]any, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

// sortedKeys is used by the dry-run validator to produce deterministic
// "unknown flag" warnings.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
