package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cortexd/cortex/pkg/models"
)

// buildQuantizedCommand constructs the quantized-serving engine's command
// line per §4.5.2.
func buildQuantizedCommand(m *models.Model, cfg engineCommandConfig) (args []string, env map[string]string) {
	ec := m.EngineConfig
	args = []string{
		"--model", weightsPath(m),
		"--alias", m.ServedModelName,
		"--port", "8080",
		"--host", "0.0.0.0",
		"--metrics",
		"--slots",
	}

	if v, ok := intArg(ec, "ngl"); ok {
		args = append(args, "--n-gpu-layers", fmt.Sprintf("%d", v))
	}
	if split, ok := ec["tensor_split"].([]any); ok {
		s := ""
		for i, v := range split {
			if i > 0 {
				s += ","
			}
			s += fmt.Sprintf("%v", v)
		}
		args = append(args, "--tensor-split", s)
	}
	if v, ok := intArg(ec, "batch_size"); ok {
		args = append(args, "--batch-size", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "ubatch_size"); ok {
		args = append(args, "--ubatch-size", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "threads"); ok {
		args = append(args, "--threads", fmt.Sprintf("%d", v))
	}
	if v, ok := intArg(ec, "context_size"); ok {
		args = append(args, "--ctx-size", fmt.Sprintf("%d", v))
	}
	if v, ok := boolArg(ec, "flash_attention"); ok && v {
		args = append(args, "--flash-attn")
	}
	if v, ok := boolArg(ec, "mlock"); ok && v {
		args = append(args, "--mlock")
	}
	if v, ok := boolArg(ec, "no_mmap"); ok && v {
		args = append(args, "--no-mmap")
	}
	if v, ok := strArg(ec, "numa_policy"); ok {
		args = append(args, "--numa", v)
	}
	if v, ok := floatArg(ec, "rope_freq_base"); ok {
		args = append(args, "--rope-freq-base", fmt.Sprintf("%v", v))
	}
	if v, ok := floatArg(ec, "rope_freq_scale"); ok {
		args = append(args, "--rope-freq-scale", fmt.Sprintf("%v", v))
	}
	if v, ok := strArg(ec, "cache_type_k"); ok {
		args = append(args, "--cache-type-k", v)
	}
	if v, ok := strArg(ec, "cache_type_v"); ok {
		args = append(args, "--cache-type-v", v)
	}
	if v, ok := intArg(ec, "parallel_slots"); ok {
		args = append(args, "--parallel", fmt.Sprintf("%d", v))
	}
	if v, ok := boolArg(ec, "cont_batching"); ok && v {
		args = append(args, "--cont-batching")
	}
	if v, ok := strArg(ec, "draft_model_path"); ok {
		args = append(args, "--model-draft", v)
		if n, ok := intArg(ec, "draft_n"); ok {
			args = append(args, "--draft-max", fmt.Sprintf("%d", n))
		}
		if p, ok := floatArg(ec, "draft_p_min"); ok {
			args = append(args, "--draft-p-min", fmt.Sprintf("%v", p))
		}
	}
	if v, ok := boolArg(ec, "verbose_logging"); ok && v {
		args = append(args, "--verbose")
	}
	if v, ok := boolArg(ec, "log_timestamps"); ok && v {
		args = append(args, "--log-timestamps")
	}
	if v, ok := boolArg(ec, "log_colors"); ok && v {
		args = append(args, "--log-colors")
	}
	if v, ok := strArg(ec, "chat_template"); ok {
		args = append(args, "--chat-template", v)
	} else if v, ok := strArg(ec, "chat_template_file"); ok {
		args = append(args, "--chat-template-file", v)
	}
	if v, ok := boolArg(ec, "jinja_enabled"); ok && v {
		args = append(args, "--jinja")
	}
	if v, ok := strArg(ec, "grammar_file"); ok {
		args = append(args, "--grammar-file", v)
	}
	if v, ok := strArg(ec, "system_prompt"); ok && v != "" {
		args = append(args, "--system-prompt-file", systemPromptPath(m, cfg))
	}
	if adapters, ok := ec["lora_adapters"].([]any); ok {
		for _, a := range adapters {
			entry, ok := a.(map[string]any)
			if !ok {
				continue
			}
			path, ok := entry["path"].(string)
			if !ok {
				continue
			}
			if scale, ok := floatArg(entry, "scale"); ok {
				args = append(args, "--lora-scaled", path, fmt.Sprintf("%v", scale))
			} else {
				args = append(args, "--lora", path)
			}
		}
	}
	if v, ok := boolArg(ec, "lora_init_without_apply"); ok && v {
		args = append(args, "--lora-init-without-apply")
	}
	if v, ok := boolArg(ec, "check_tensors"); ok && !v {
		args = append(args, "--no-check-tensors")
	}
	if v, ok := boolArg(ec, "skip_warmup"); ok && v {
		args = append(args, "--no-warmup")
	}
	if v, ok := floatArg(ec, "defrag_thold"); ok {
		args = append(args, "--defrag-thold", fmt.Sprintf("%v", v))
	}
	if m.Task == models.TaskEmbed {
		args = append(args, "--embeddings")
	}

	env = map[string]string{}
	if cfg.SharedSecret != "" {
		env["CORTEX_UPSTREAM_SHARED_SECRET"] = cfg.SharedSecret
	}
	return args, env
}

// systemPromptPath is where the controller writes the model's system_prompt
// before starting the container, so the engine can be pointed at a file
// rather than an inline flag.
func systemPromptPath(m *models.Model, cfg engineCommandConfig) string {
	return cfg.ConfigsDir + "/" + m.ID + "-system-prompt.txt"
}

// writeSystemPromptFile persists engine_config.system_prompt to the path
// systemPromptPath points the --system-prompt-file flag at. It is a no-op
// when the model has no system_prompt set, and must run before the
// container is created so the bind-mounted configs directory already holds
// the file the engine expects.
func writeSystemPromptFile(m *models.Model, cfg engineCommandConfig) error {
	v, ok := strArg(m.EngineConfig, "system_prompt")
	if !ok || v == "" {
		return nil
	}
	path := systemPromptPath(m, cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create configs dir: %w", err)
	}
	return os.WriteFile(path, []byte(v), 0o644)
}
