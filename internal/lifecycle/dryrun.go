package lifecycle

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/cortexd/cortex/pkg/models"
)

// DryRunResult is the preview returned by dry_run(model_id) in §4.5.3.
type DryRunResult struct {
	CommandPreview []string
	Warnings       []string
	Errors         []string
	VRAMEstimateBytes int64
}

// conflictRule is one soft or hard conflict check, expressed as a compiled
// expr-lang program over the validation environment below. Hard rules
// become dry-run errors (start is refused); soft rules become warnings.
type conflictRule struct {
	name     string
	hard     bool
	message  string
	program  *vm.Program
}

// ruleEnv is the variable set every conflict expression is evaluated
// against. Only scalar, serializable fields belong here.
type ruleEnv struct {
	Engine          string
	Offline         bool
	TokenizerCached bool
	EnforceEager    bool
	ModelClass      string
	WeightFormat    string
	GPUFlagConflict bool
}

var gpuRules = []struct {
	name, expression, message string
	hard                      bool
}{
	{
		name:       "offline_uncached_tokenizer",
		expression: `Offline && !TokenizerCached`,
		message:    "offline mode is set but the tokenizer is not present in the local cache",
		hard:       true,
	},
	{
		name:       "eager_unstable_class",
		expression: `!EnforceEager && ModelClass == "known-unstable"`,
		message:    "enforce_eager=false on a model class known to need eager mode; consider enabling it",
		hard:       false,
	},
	{
		name:       "gguf_on_gpu_engine",
		expression: `WeightFormat == "gguf" && GPUFlagConflict`,
		message:    "GGUF weights are incompatible with the selected GPU-engine flag combination",
		hard:       true,
	},
}

// gpuFlagConflict reports whether the GPU engine's flags conflict with
// serving a GGUF weight file. vLLM's GGUF loader requires a single GPU
// (tensor_parallel_size > 1 is unsupported) and takes its quantization
// scheme from the file itself, so an explicit quantization override other
// than "gguf" can't apply.
func gpuFlagConflict(ec map[string]any) bool {
	if tp, ok := intArg(ec, "tensor_parallel_size"); ok && tp > 1 {
		return true
	}
	if q, ok := strArg(ec, "quantization"); ok && q != "" && q != "gguf" {
		return true
	}
	return false
}

func compileRules() ([]conflictRule, error) {
	out := make([]conflictRule, 0, len(gpuRules))
	for _, r := range gpuRules {
		program, err := expr.Compile(r.expression, expr.Env(ruleEnv{}))
		if err != nil {
			return nil, fmt.Errorf("compile conflict rule %q: %w", r.name, err)
		}
		out = append(out, conflictRule{name: r.name, hard: r.hard, message: r.message, program: program})
	}
	return out, nil
}

// evaluateConflicts runs every compiled rule against env, splitting results
// into warnings and hard errors.
func evaluateConflicts(rules []conflictRule, env ruleEnv) (warnings, errs []string) {
	for _, r := range rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("rule %q failed to evaluate: %v", r.name, err))
			continue
		}
		matched, _ := out.(bool)
		if !matched {
			continue
		}
		if r.hard {
			errs = append(errs, r.message)
		} else {
			warnings = append(warnings, r.message)
		}
	}
	return warnings, errs
}

// knownGPUFlags and knownQuantizedFlags back the "unknown flag passes with a
// warning, typos get a closest-match suggestion" rule.
var knownGPUFlags = stringSet(
	"gpu_memory_utilization", "max_model_len", "kv_cache_dtype", "block_size",
	"swap_space", "tensor_parallel_size", "pipeline_parallel_size",
	"max_num_batched_tokens", "max_num_seqs", "enable_prefix_caching",
	"prefix_caching_hash_algo", "enable_chunked_prefill", "cuda_graph_sizes",
	"dtype", "quantization", "enforce_eager", "attention_backend",
	"trust_remote_code", "served_model_name", "tokenizer_override",
	"hf_config_path", "distributed_executor_backend", "speculative_config",
)

var knownQuantizedFlags = stringSet(
	"ngl", "tensor_split", "batch_size", "ubatch_size", "threads",
	"context_size", "flash_attention", "mlock", "no_mmap", "numa_policy",
	"rope_freq_base", "rope_freq_scale", "cache_type_k", "cache_type_v",
	"parallel_slots", "cont_batching", "draft_model_path", "draft_n",
	"draft_p_min", "verbose_logging", "log_timestamps", "log_colors",
	"chat_template", "chat_template_file", "jinja_enabled", "grammar_file",
	"system_prompt", "lora_adapters", "lora_init_without_apply",
	"check_tensors", "skip_warmup", "defrag_thold", "served_model_name",
	"enable_embeddings",
)

func stringSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// unknownFlagWarnings reports every engine_config key not in the allowlist,
// with a closest-match suggestion when one scores well enough.
func unknownFlagWarnings(ec map[string]any, known map[string]bool) []string {
	var warnings []string
	for _, key := range sortedKeys(ec) {
		if known[key] {
			continue
		}
		suggestion := closestMatch(key, known)
		if suggestion != "" {
			warnings = append(warnings, fmt.Sprintf("unknown engine_config key %q (did you mean %q?)", key, suggestion))
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown engine_config key %q; passed through unvalidated", key))
		}
	}
	return warnings
}

func closestMatch(key string, known map[string]bool) string {
	best := ""
	bestDist := math.MaxInt32
	for candidate := range known {
		d := levenshtein(key, candidate)
		if d < bestDist {
			bestDist = d
			best = candidate
		}
	}
	if bestDist <= 2 {
		return best
	}
	return ""
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	dp := make([][]int, la+1)
	for i := range dp {
		dp[i] = make([]int, lb+1)
		dp[i][0] = i
	}
	for j := 0; j <= lb; j++ {
		dp[0][j] = j
	}
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			dp[i][j] = min3(dp[i-1][j]+1, dp[i][j-1]+1, dp[i-1][j-1]+cost)
		}
	}
	return dp[la][lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// estimateVRAM implements §4.5.3's per-engine byte estimates.
func estimateVRAM(m *models.Model, weightBytes int64) int64 {
	const (
		overheadFactor = 1.15
		safetyMargin   = 1.10
	)
	var kvBytes int64
	contextLen := int64(4096)
	if v, ok := intArg(m.EngineConfig, "max_model_len"); ok {
		contextLen = int64(v)
	} else if v, ok := intArg(m.EngineConfig, "context_size"); ok {
		contextLen = int64(v)
	}

	switch m.Engine {
	case models.EngineGPU:
		batch := int64(1)
		if v, ok := intArg(m.EngineConfig, "max_num_seqs"); ok {
			batch = int64(v)
		}
		layers := int64(32)
		headDim := int64(128)
		precisionFactor := int64(2) // fp16 KV cache
		kvBytes = contextLen * batch * layers * headDim * 2 * precisionFactor
	default: // quantized-serving
		slots := int64(1)
		if v, ok := intArg(m.EngineConfig, "parallel_slots"); ok {
			slots = int64(v)
		}
		layers := int64(32)
		kvHeads := int64(8)
		headDim := int64(128)
		bytesK, bytesV := int64(2), int64(2)
		ngl := layers
		if v, ok := intArg(m.EngineConfig, "ngl"); ok {
			ngl = int64(v)
		}
		offloadFraction := float64(ngl) / float64(layers)
		if offloadFraction > 1 {
			offloadFraction = 1
		}
		full := contextLen * slots * layers * kvHeads * headDim * (bytesK + bytesV)
		kvBytes = int64(float64(full) * offloadFraction)
	}

	total := float64(weightBytes+kvBytes) * overheadFactor * safetyMargin
	return int64(total)
}
