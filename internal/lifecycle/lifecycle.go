// Package lifecycle implements the engine lifecycle controller described in
// §4.5: the state machine that takes a model from stopped through starting
// and loading to running (or failed), the per-engine command builders, the
// dry-run validator, and the diagnostic log classifier.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/lifecycle/containerrt"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
	"github.com/rs/zerolog/log"
)

// engineCommandConfig carries the deployment-wide settings the per-engine
// command builders need, independent of any one model.
type engineCommandConfig struct {
	SharedSecret        string
	MultiGPUConnTimeout time.Duration
	ConfigsDir          string
}

// Controller drives model state transitions. It never lets a container
// auto-restart: restart_policy is always "no", so every transition back to
// running flows through an explicit admin or controller action.
type Controller struct {
	store   store.Store
	rt      containerrt.Runtime
	ports   *containerrt.PortAllocator
	reg     *registry.Registry
	cfg     config.LifecycleConfig
	upstream config.UpstreamConfig
	rules   []conflictRule

	mu     sync.Mutex
	guards map[string]*modelGuard // model IDs with a start in flight (synchronous or awaitReady)
}

// modelGuard serializes a single model's start/stop transitions (§4.5's
// per-model mutex requirement). Acquiring one blocks a concurrent Start;
// Stop cancels the guard's context and waits for done, so an in-flight
// awaitReady goroutine can never promote or fail a model out from under a
// Stop that is already tearing it down.
type modelGuard struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s store.Store, rt containerrt.Runtime, reg *registry.Registry, cfg config.LifecycleConfig, upstream config.UpstreamConfig) (*Controller, error) {
	rules, err := compileRules()
	if err != nil {
		return nil, err
	}
	return &Controller{
		store:    s,
		rt:       rt,
		ports:    containerrt.NewPortAllocator(cfg.HostPortRangeStart, cfg.HostPortRangeEnd),
		reg:      reg,
		cfg:      cfg,
		upstream: upstream,
		rules:    rules,
		guards:   make(map[string]*modelGuard),
	}, nil
}

// acquireGuard claims the per-model guard, failing if a Start already holds
// it for this model. Stop never claims the guard; it cancels it.
func (c *Controller) acquireGuard(modelID string) (*modelGuard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.guards[modelID]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &modelGuard{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.guards[modelID] = g
	return g, true
}

// releaseGuard removes the guard and signals anyone blocked on its done
// channel (a concurrent Stop waiting for the in-flight start to unwind).
func (c *Controller) releaseGuard(modelID string) {
	c.mu.Lock()
	g, ok := c.guards[modelID]
	if ok {
		delete(c.guards, modelID)
	}
	c.mu.Unlock()
	if ok {
		close(g.done)
	}
}

// cancelGuard stops a model's in-flight awaitReady goroutine (if any) and
// blocks until it has fully released the guard, so Stop never races a
// state mutation against an async promoteToRunning/failAsync.
func (c *Controller) cancelGuard(modelID string) {
	c.mu.Lock()
	g, inFlight := c.guards[modelID]
	c.mu.Unlock()
	if !inFlight {
		return
	}
	g.cancel()
	<-g.done
}

func (c *Controller) cmdConfig() engineCommandConfig {
	return engineCommandConfig{
		SharedSecret:        c.upstream.SharedSecret,
		MultiGPUConnTimeout: c.cfg.MultiGPUConnTimeout,
		ConfigsDir:          c.cfg.ModelsDir + "/configs",
	}
}

// Create persists a new model row in the stopped state. No container is
// created yet.
func (c *Controller) Create(ctx context.Context, m *models.Model) error {
	m.State = models.ModelStopped
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.StartupTimeoutSec == 0 {
		m.StartupTimeoutSec = int(c.defaultTimeout(m.Engine).Seconds())
	}
	return c.store.CreateModel(ctx, m)
}

// RebuildRegistry repopulates the in-memory registry from models persisted
// as running, for process restart: the registry itself holds nothing
// durable (§4.4), so every boot must reconstruct it from the store before
// the poller or proxy see any entries. Host ports already bound to a
// running model are reserved in the allocator so a subsequent Start never
// double-assigns one.
func (c *Controller) RebuildRegistry(ctx context.Context) error {
	running, err := c.store.ListModelsByState(ctx, models.ModelRunning)
	if err != nil {
		return fmt.Errorf("list running models: %w", err)
	}
	for _, m := range running {
		if m.HostPort != 0 {
			c.ports.MarkUsed(m.HostPort)
		}
		upstreamURL := fmt.Sprintf("http://localhost:%d", m.HostPort)
		c.reg.Register(&registry.Entry{RegistryEntry: models.RegistryEntry{
			ServedModelName: m.ServedModelName,
			ModelID:         m.ID,
			UpstreamURL:     upstreamURL,
			Task:            m.Task,
			Engine:          m.Engine,
			Health:          models.HealthState{OK: true, BreakerState: models.BreakerClosed, LastCheckAt: time.Now()},
		}})
		log.Info().Str("model_id", m.ID).Str("served_model_name", m.ServedModelName).Msg("restored running model into registry")
	}
	return nil
}

func (c *Controller) defaultTimeout(engine models.Engine) time.Duration {
	if engine == models.EngineGPU {
		return c.cfg.GPUStartupTimeout
	}
	return c.cfg.QuantizedStartupTimeout
}

// DryRun synthesizes the command line the Start sequence would use,
// validates engine_config against the allowlist, evaluates conflict rules,
// and estimates VRAM — all without touching the container runtime.
func (c *Controller) DryRun(ctx context.Context, modelID string) (*DryRunResult, error) {
	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	var args []string
	var known map[string]bool
	switch m.Engine {
	case models.EngineGPU:
		args, _ = buildGPUCommand(m, c.cmdConfig())
		known = knownGPUFlags
	default:
		args, _ = buildQuantizedCommand(m, c.cmdConfig())
		known = knownQuantizedFlags
	}

	result := &DryRunResult{CommandPreview: args}
	result.Warnings = append(result.Warnings, unknownFlagWarnings(m.EngineConfig, known)...)

	env := ruleEnv{
		Engine:          string(m.Engine),
		Offline:         m.OfflineFlag,
		TokenizerCached: c.tokenizerCached(m),
		EnforceEager:    boolOrFalse(m.EngineConfig, "enforce_eager"),
		ModelClass:      stringOrEmpty(m.EngineConfig, "model_class"),
		WeightFormat:    stringOrEmpty(m.EngineConfig, "weight_format"),
		GPUFlagConflict: gpuFlagConflict(m.EngineConfig),
	}
	warnings, errs := evaluateConflicts(c.rules, env)
	result.Warnings = append(result.Warnings, warnings...)
	result.Errors = append(result.Errors, errs...)

	result.VRAMEstimateBytes = estimateVRAM(m, estimateWeightBytes(m))
	return result, nil
}

func boolOrFalse(m map[string]any, key string) bool {
	v, _ := boolArg(m, key)
	return v
}

func stringOrEmpty(m map[string]any, key string) string {
	v, _ := strArg(m, key)
	return v
}

// tokenizerCached is a conservative stand-in for a real cache-directory
// scan: a tokenizer override that looks like a local path is presumed
// cached, a bare repo-id is presumed not cached unless HFCacheDir is unset
// (offline checks are meaningless without a cache directory configured).
func (c *Controller) tokenizerCached(m *models.Model) bool {
	if m.TokenizerOverride == "" {
		return true
	}
	if c.cfg.HFCacheDir == "" {
		return true
	}
	return m.TokenizerOverride[0] == '/' || m.TokenizerOverride[0] == '.'
}

func estimateWeightBytes(m *models.Model) int64 {
	if v, ok := m.EngineConfig["weight_bytes"]; ok {
		if n, ok := intFromAny(v); ok {
			return int64(n)
		}
	}
	return 7 * 1 << 30 // 7GiB fallback, refined once disk inspection lands
}

// Start runs the full startup sequence described in §4.5: resolve a port,
// build the command, create the container, and poll for readiness.
func (c *Controller) Start(ctx context.Context, modelID string) error {
	guard, ok := c.acquireGuard(modelID)
	if !ok {
		return fmt.Errorf("model %s already has a start in flight", modelID)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.releaseGuard(modelID)
		}
	}()

	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}

	dry, err := c.DryRun(ctx, modelID)
	if err != nil {
		return err
	}
	if len(dry.Errors) > 0 {
		return c.fail(ctx, m, fmt.Errorf("dry-run validation failed: %v", dry.Errors))
	}

	port, ok := c.ports.Allocate()
	if !ok {
		return c.fail(ctx, m, fmt.Errorf("no free host port in range %d-%d", c.cfg.HostPortRangeStart, c.cfg.HostPortRangeEnd))
	}

	m.State = models.ModelStarting
	m.HostPort = port
	m.ContainerName = containerName(m)
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		c.ports.Release(port)
		return err
	}

	if err := writeSystemPromptFile(m, c.cmdConfig()); err != nil {
		c.ports.Release(port)
		return c.fail(ctx, m, fmt.Errorf("write system prompt file: %w", err))
	}

	spec, containerPort := c.buildSpec(m)

	containerID, err := c.rt.Create(ctx, spec)
	if err != nil {
		c.ports.Release(port)
		return c.fail(ctx, m, err)
	}
	log.Info().Str("model_id", m.ID).Str("container_id", containerID).Msg("engine container created")

	m.State = models.ModelLoading
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		return err
	}

	handedOff = true
	go func() {
		defer c.releaseGuard(modelID)
		c.awaitReady(guard.ctx, m, containerPort)
	}()
	return nil
}

func containerName(m *models.Model) string {
	return "cortex-" + m.ServedModelName
}

func (c *Controller) buildSpec(m *models.Model) (containerrt.Spec, int) {
	var args []string
	var env map[string]string
	var image string
	var containerPort int

	switch m.Engine {
	case models.EngineGPU:
		args, env = buildGPUCommand(m, c.cmdConfig())
		image = c.cfg.GPUImage
		containerPort = 8000
	default:
		args, env = buildQuantizedCommand(m, c.cmdConfig())
		image = c.cfg.QuantizedImage
		containerPort = 8080
	}

	binds := []string{c.cfg.ModelsDir + ":/models:ro"}
	if c.cfg.HFCacheDir != "" {
		binds = append(binds, c.cfg.HFCacheDir+":/root/.cache/huggingface")
	}

	return containerrt.Spec{
		Name:          m.ContainerName,
		Image:         image,
		HostPort:      m.HostPort,
		ContainerPort: containerPort,
		Env:           env,
		Command:       args,
		Binds:         binds,
		GPUDevices:    m.SelectedGPUs,
		NetworkName:   c.cfg.NetworkName,
		HealthCmd:     fmt.Sprintf("curl -f http://localhost:%d/health || exit 1", containerPort),
		StartPeriod:   time.Duration(m.StartupTimeoutSec) * time.Second,
	}, containerPort
}

// awaitReady implements the progressive readiness probe of §4.5's startup
// sequence step 5.
func (c *Controller) awaitReady(ctx context.Context, m *models.Model, containerPort int) {
	deadline := time.Now().Add(time.Duration(m.StartupTimeoutSec) * time.Second)
	earlyExitDeadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(earlyExitDeadline) {
		if ctx.Err() != nil {
			return
		}
		st, err := c.rt.Status(ctx, m.ContainerName)
		if err == nil && st.Found && !st.Running {
			c.failAsync(ctx, m, "container exited during startup")
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	upstreamURL := fmt.Sprintf("http://localhost:%d", m.HostPort)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if probeReady(client, upstreamURL, m.ServedModelName) {
			c.promoteToRunning(ctx, m, upstreamURL)
			return
		}
		time.Sleep(2 * time.Second)
	}
	if ctx.Err() != nil {
		return
	}
	c.failAsync(ctx, m, "readiness deadline exceeded")
}

func probeReady(client *http.Client, upstreamURL, servedName string) bool {
	resp, err := client.Get(upstreamURL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	resp.Body.Close()

	resp2, err := client.Get(upstreamURL + "/v1/models")
	if err != nil || resp2.StatusCode != http.StatusOK {
		if resp2 != nil {
			resp2.Body.Close()
		}
		return false
	}
	defer resp2.Body.Close()

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&list); err != nil {
		return false
	}
	for _, entry := range list.Data {
		if entry.ID == servedName {
			return true
		}
	}
	return false
}

func (c *Controller) promoteToRunning(ctx context.Context, m *models.Model, upstreamURL string) {
	m, err := c.store.GetModel(ctx, m.ID)
	if err != nil {
		return
	}
	m.State = models.ModelRunning
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		log.Error().Err(err).Str("model_id", m.ID).Msg("failed to persist running state")
		return
	}

	c.reg.Register(&registry.Entry{RegistryEntry: models.RegistryEntry{
		ServedModelName: m.ServedModelName,
		ModelID:         m.ID,
		UpstreamURL:     upstreamURL,
		Task:            m.Task,
		Engine:          m.Engine,
		Health:          models.HealthState{OK: true, BreakerState: models.BreakerClosed, LastCheckAt: time.Now()},
	}})
	log.Info().Str("model_id", m.ID).Str("served_model_name", m.ServedModelName).Msg("model running")
}

func (c *Controller) failAsync(ctx context.Context, m *models.Model, reason string) {
	if _, err := c.failWithLogs(ctx, m, reason); err != nil {
		log.Error().Err(err).Str("model_id", m.ID).Msg("failed to record model failure")
	}
}

func (c *Controller) fail(ctx context.Context, m *models.Model, cause error) error {
	_, err := c.failWithLogs(ctx, m, cause.Error())
	if err != nil {
		return err
	}
	return cause
}

func (c *Controller) failWithLogs(ctx context.Context, m *models.Model, reason string) (*models.ClassifiedError, error) {
	logTail, _ := c.rt.Logs(ctx, m.ContainerName, 200)
	code, message, fixHint, matched := ClassifyLog(logTail)
	if !matched {
		message = reason
	}
	classified := &models.ClassifiedError{
		Code:    code,
		Message: message,
		FixHint: fixHint,
		LogTail: logTail,
		Matched: matched,
	}

	m.State = models.ModelFailed
	m.LastFailure = classified
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		return classified, err
	}
	c.reg.Deregister(m.ID)
	return classified, nil
}

// Stop terminates and removes the container, then deregisters the model
// from the live registry (explicit running → stopped transition).
func (c *Controller) Stop(ctx context.Context, modelID string) error {
	// Serialize against any in-flight Start: cancel its awaitReady goroutine
	// and wait for it to release the guard before this mutates state, so the
	// two can never interleave (§5).
	c.cancelGuard(modelID)

	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if m.ContainerName != "" {
		if err := c.rt.Remove(ctx, m.ContainerName); err != nil {
			return err
		}
	}
	if m.HostPort != 0 {
		c.ports.Release(m.HostPort)
	}
	c.reg.Deregister(m.ID)

	m.State = models.ModelStopped
	m.HostPort = 0
	m.UpdatedAt = time.Now()
	return c.store.UpdateModel(ctx, m)
}

// Test issues a single request against the running model's upstream and
// reports whether it responded successfully, without going through the
// full proxy pipeline.
func (c *Controller) Test(ctx context.Context, modelID string) error {
	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if m.State != models.ModelRunning {
		return fmt.Errorf("model %s is not running (state=%s)", modelID, m.State)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	if !probeReady(client, fmt.Sprintf("http://localhost:%d", m.HostPort), m.ServedModelName) {
		return fmt.Errorf("model %s failed its readiness probe", modelID)
	}
	return nil
}

// Logs returns the tail of the container's combined output.
func (c *Controller) Logs(ctx context.Context, modelID string, tailN int) (string, error) {
	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return "", err
	}
	return c.rt.Logs(ctx, m.ContainerName, tailN)
}

// Update patches a model's admin-editable fields: engine_config,
// request_defaults, selected_gpus and offline_flag; other keys in patch are
// ignored. Changes to engine_config/selected_gpus/offline_flag only take
// effect on the next Start.
func (c *Controller) Update(ctx context.Context, modelID string, patch map[string]any) (*models.Model, error) {
	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if v, ok := patch["engine_config"].(map[string]any); ok {
		m.EngineConfig = v
	}
	if v, ok := patch["request_defaults"].(map[string]any); ok {
		m.RequestDefaults = v
	}
	if v, ok := patch["selected_gpus"].([]int); ok {
		m.SelectedGPUs = v
	} else if raw, ok := patch["selected_gpus"].([]any); ok {
		gpus := make([]int, 0, len(raw))
		for _, g := range raw {
			if n, ok := intFromAny(g); ok {
				gpus = append(gpus, n)
			}
		}
		m.SelectedGPUs = gpus
	}
	if v, ok := patch["offline_flag"].(bool); ok {
		m.OfflineFlag = v
	}
	m.UpdatedAt = time.Now()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a model row. It refuses to delete a running model —
// callers must Stop first.
func (c *Controller) Delete(ctx context.Context, modelID string) error {
	m, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if m.State == models.ModelRunning || m.State == models.ModelStarting || m.State == models.ModelLoading {
		return fmt.Errorf("model %s must be stopped before it can be deleted (state=%s)", modelID, m.State)
	}
	return c.store.DeleteModel(ctx, modelID)
}
