package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/pkg/models"
)

func TestEvaluateConflictsHardRuleBlocksSoftRulePasses(t *testing.T) {
	rules, err := compileRules()
	require.NoError(t, err)

	warnings, errs := evaluateConflicts(rules, ruleEnv{
		Offline:         true,
		TokenizerCached: false,
		EnforceEager:    true,
	})
	assert.Len(t, errs, 1)
	assert.Empty(t, warnings)
}

func TestEvaluateConflictsSoftRuleWarnsOnly(t *testing.T) {
	rules, err := compileRules()
	require.NoError(t, err)

	warnings, errs := evaluateConflicts(rules, ruleEnv{
		Offline:         true,
		TokenizerCached: true,
		EnforceEager:    false,
		ModelClass:      "known-unstable",
	})
	assert.Empty(t, errs)
	assert.Len(t, warnings, 1)
}

func TestUnknownFlagWarningsSuggestsClosestMatch(t *testing.T) {
	warnings := unknownFlagWarnings(map[string]any{"gpu_memry_utilization": 0.9}, knownGPUFlags)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "gpu_memory_utilization")
}

func TestUnknownFlagWarningsNoSuggestionWhenTooFar(t *testing.T) {
	warnings := unknownFlagWarnings(map[string]any{"completely_unrelated_xyz": 1}, knownGPUFlags)
	require.Len(t, warnings, 1)
	assert.NotContains(t, warnings[0], "did you mean")
}

func TestEstimateVRAMGPUScalesWithBatchAndContext(t *testing.T) {
	small := estimateVRAM(&models.Model{Engine: models.EngineGPU, EngineConfig: map[string]any{"max_model_len": 2048, "max_num_seqs": 1}}, 1<<30)
	large := estimateVRAM(&models.Model{Engine: models.EngineGPU, EngineConfig: map[string]any{"max_model_len": 8192, "max_num_seqs": 4}}, 1<<30)
	assert.Greater(t, large, small)
}

func TestEstimateVRAMQuantizedOffloadFraction(t *testing.T) {
	partial := estimateVRAM(&models.Model{Engine: models.EngineQuantized, EngineConfig: map[string]any{"ngl": 16}}, 1<<30)
	full := estimateVRAM(&models.Model{Engine: models.EngineQuantized, EngineConfig: map[string]any{"ngl": 32}}, 1<<30)
	assert.Greater(t, full, partial)
}

func TestLevenshteinExactAndDistant(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 3, levenshtein("abc", "xyz"))
}
