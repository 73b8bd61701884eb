package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/lifecycle"
	"github.com/cortexd/cortex/internal/lifecycle/containerrt"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

// fakeRuntime is an in-memory stand-in for containerrt.Runtime so lifecycle
// tests never shell out to docker.
type fakeRuntime struct {
	created map[string]containerrt.Spec
	status  map[string]containerrt.Status
	logs    map[string]string
	failCreate bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		created: make(map[string]containerrt.Spec),
		status:  make(map[string]containerrt.Status),
		logs:    make(map[string]string),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec containerrt.Spec) (string, error) {
	if f.failCreate {
		return "", assert.AnError
	}
	f.created[spec.Name] = spec
	f.status[spec.Name] = containerrt.Status{Running: true, Found: true}
	return "fake123", nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	delete(f.created, name)
	delete(f.status, name)
	return nil
}

func (f *fakeRuntime) Status(ctx context.Context, name string) (containerrt.Status, error) {
	st, ok := f.status[name]
	if !ok {
		return containerrt.Status{Found: false}, nil
	}
	return st, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string, tailN int) (string, error) {
	return f.logs[name], nil
}

func testConfig() (config.LifecycleConfig, config.UpstreamConfig) {
	return config.LifecycleConfig{
			GPUImage:                "vllm/vllm-openai:latest",
			QuantizedImage:          "ghcr.io/ggerganov/llama.cpp:server",
			ModelsDir:               "/var/lib/cortex/models",
			HostPortRangeStart:      9100,
			HostPortRangeEnd:        9105,
			GPUStartupTimeout:       5 * time.Second,
			QuantizedStartupTimeout: 5 * time.Second,
			NetworkName:             "cortex-net",
			MultiGPUConnTimeout:     30 * time.Second,
		}, config.UpstreamConfig{SharedSecret: "s3cr3t"}
}

func TestCreateSetsStoppedStateAndDefaultTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, registry.New(), lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate}
	require.NoError(t, ctrl.Create(context.Background(), m))
	assert.Equal(t, models.ModelStopped, m.State)
	assert.Equal(t, int(lcfg.GPUStartupTimeout.Seconds()), m.StartupTimeoutSec)
}

func TestDryRunFlagsUnknownEngineConfigKey(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, registry.New(), lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{
		Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate,
		EngineConfig: map[string]any{"gpu_memry_utilization": 0.9}, // misspelled
	}
	require.NoError(t, ctrl.Create(context.Background(), m))

	result, err := ctrl.DryRun(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.CommandPreview)
	found := false
	for _, w := range result.Warnings {
		if w != "" {
			found = true
		}
	}
	assert.True(t, found, "expected a warning for the misspelled flag")
}

func TestDryRunHardConflictBlocksStart(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	lcfg, ucfg := testConfig()
	lcfg.HFCacheDir = "/cache"
	ctrl, err := lifecycle.New(s, rt, registry.New(), lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{
		Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate,
		OfflineFlag:       true,
		TokenizerOverride: "meta-llama/Llama-3-8b", // not a local path -> not cached
	}
	require.NoError(t, ctrl.Create(context.Background(), m))

	result, err := ctrl.DryRun(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Errors)

	err = ctrl.Start(context.Background(), m.ID)
	require.Error(t, err)

	got, err := s.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelFailed, got.State)
}

func TestStartTransitionsToLoadingAndCreatesContainer(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, registry.New(), lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineQuantized, Task: models.TaskGenerate}
	require.NoError(t, ctrl.Create(context.Background(), m))

	require.NoError(t, ctrl.Start(context.Background(), m.ID))

	got, err := s.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelLoading, got.State)
	assert.NotZero(t, got.HostPort)
	assert.Contains(t, rt.created, got.ContainerName)
}

func TestStopReleasesPortAndDeregisters(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	reg := registry.New()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, reg, lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{
		Name: "llama", ServedModelName: "llama-3", Engine: models.EngineQuantized, Task: models.TaskGenerate,
		State: models.ModelRunning, ContainerName: "cortex-llama-3", HostPort: 9101,
	}
	require.NoError(t, s.CreateModel(context.Background(), m))
	rt.created[m.ContainerName] = containerrt.Spec{Name: m.ContainerName}

	require.NoError(t, ctrl.Stop(context.Background(), m.ID))

	got, err := s.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelStopped, got.State)
	assert.Zero(t, got.HostPort)
	assert.NotContains(t, rt.created, m.ContainerName)
}

func TestDeleteRefusesRunningModel(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, registry.New(), lcfg, ucfg)
	require.NoError(t, err)

	m := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate, State: models.ModelRunning}
	require.NoError(t, s.CreateModel(context.Background(), m))

	err = ctrl.Delete(context.Background(), m.ID)
	assert.Error(t, err)
}

func TestRebuildRegistryRestoresRunningModels(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	reg := registry.New()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, reg, lcfg, ucfg)
	require.NoError(t, err)

	running := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate, State: models.ModelRunning, HostPort: 9101}
	require.NoError(t, s.CreateModel(context.Background(), running))
	stopped := &models.Model{Name: "mistral", ServedModelName: "mistral-7b", Engine: models.EngineQuantized, Task: models.TaskGenerate, State: models.ModelStopped}
	require.NoError(t, s.CreateModel(context.Background(), stopped))

	require.NoError(t, ctrl.RebuildRegistry(context.Background()))

	entry, err := reg.Resolve("llama-3")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9101", entry.UpstreamURL)

	_, err = reg.Resolve("mistral-7b")
	assert.Error(t, err)
}

func TestRebuildRegistryReservesPersistedHostPort(t *testing.T) {
	s := store.NewMemoryStore()
	rt := newFakeRuntime()
	reg := registry.New()
	lcfg, ucfg := testConfig()
	ctrl, err := lifecycle.New(s, rt, reg, lcfg, ucfg)
	require.NoError(t, err)

	running := &models.Model{Name: "llama", ServedModelName: "llama-3", Engine: models.EngineGPU, Task: models.TaskGenerate, State: models.ModelRunning, HostPort: lcfg.HostPortRangeStart}
	require.NoError(t, s.CreateModel(context.Background(), running))
	require.NoError(t, ctrl.RebuildRegistry(context.Background()))

	m := &models.Model{Name: "mistral", ServedModelName: "mistral-7b", Engine: models.EngineQuantized, Task: models.TaskGenerate}
	require.NoError(t, ctrl.Create(context.Background(), m))
	require.NoError(t, ctrl.Start(context.Background(), m.ID))

	got, err := s.GetModel(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, lcfg.HostPortRangeStart, got.HostPort)
}
