package deployment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

func waitForJob(t *testing.T, s store.Store, jobID string) *models.DeploymentJob {
	t.Helper()
	var job *models.DeploymentJob
	require.Eventually(t, func() bool {
		j, err := s.GetDeploymentJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == models.JobSucceeded || j.Status == models.JobFailed
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestExportWritesManifestsAndChecksums(t *testing.T) {
	s := store.NewMemoryStore()
	workDir := t.TempDir()
	e := New(s, nil, config.DeploymentConfig{WorkDir: workDir}, config.LifecycleConfig{GPUImage: "vllm/vllm-openai:latest"})

	require.NoError(t, s.CreateModel(context.Background(), &models.Model{
		Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate,
		EngineConfig: map[string]any{"hf_token": "secret-value"},
	}))

	job, err := e.Export(context.Background(), ExportOptions{IncludeManifests: true, OutputName: "export1"})
	require.NoError(t, err)

	finished := waitForJob(t, s, job.ID)
	require.Equal(t, models.JobSucceeded, finished.Status)

	dir := filepath.Join(workDir, "export1")
	manifest, err := readManifest(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, manifest.Files)
	assert.Contains(t, manifest.RedactedTokens, "hf_token")

	data, err := os.ReadFile(filepath.Join(dir, "manifests", "model-"+getModelID(t, s)+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "***REDACTED***")
	assert.NotContains(t, string(data), "secret-value")
}

func getModelID(t *testing.T, s store.Store) string {
	t.Helper()
	list, err := s.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0].ID
}

func TestOnlyOneActiveExportJobAtATime(t *testing.T) {
	s := store.NewMemoryStore()
	workDir := t.TempDir()
	e := New(s, nil, config.DeploymentConfig{WorkDir: workDir}, config.LifecycleConfig{})

	job1, err := e.Export(context.Background(), ExportOptions{IncludeManifests: true, OutputName: "e1"})
	require.NoError(t, err)

	_, err = e.Export(context.Background(), ExportOptions{IncludeManifests: true, OutputName: "e2"})
	assert.Error(t, err, "a second job must be refused while one is active")

	waitForJob(t, s, job1.ID)
}

func TestImportModelCreatesStoppedModelWithFreshID(t *testing.T) {
	s := store.NewMemoryStore()
	workDir := t.TempDir()
	e := New(s, nil, config.DeploymentConfig{WorkDir: workDir}, config.LifecycleConfig{})

	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "manifests"), 0o755))
	m := models.Model{ID: "old-id", Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate, State: models.ModelRunning}
	writeTestModelManifest(t, srcDir, "model-old-id.json", m)

	job, err := e.ImportModel(context.Background(), ImportModelOptions{SourceDir: srcDir, ManifestFile: "model-old-id.json"})
	require.NoError(t, err)

	finished := waitForJob(t, s, job.ID)
	require.Equal(t, models.JobSucceeded, finished.Status)

	got, err := s.GetModelByServedName(context.Background(), "llama-3")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStopped, got.State)
	assert.NotEqual(t, "old-id", got.ID)
}

func TestImportModelConflictRenamesWhenRequested(t *testing.T) {
	s := store.NewMemoryStore()
	workDir := t.TempDir()
	e := New(s, nil, config.DeploymentConfig{WorkDir: workDir}, config.LifecycleConfig{})

	require.NoError(t, s.CreateModel(context.Background(), &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate}))

	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "manifests"), 0o755))
	m := models.Model{ID: "other-id", Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate}
	writeTestModelManifest(t, srcDir, "model-other-id.json", m)

	job, err := e.ImportModel(context.Background(), ImportModelOptions{SourceDir: srcDir, ManifestFile: "model-other-id.json", OnConflict: "rename"})
	require.NoError(t, err)

	finished := waitForJob(t, s, job.ID)
	require.Equal(t, models.JobSucceeded, finished.Status)

	_, err = s.GetModelByServedName(context.Background(), "llama-3-imported")
	assert.NoError(t, err)
}

func writeTestModelManifest(t *testing.T, dir, file string, m models.Model) {
	t.Helper()
	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifests", file), data, 0o644))
}
