// Package deployment implements the export/import migration engine
// described in §4.8: moving a Cortex deployment (container images, database
// contents, and model manifests) between hosts as a self-contained
// directory tree, with SHA-256 checksums and token redaction.
package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/lifecycle"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

// Engine runs deployment export/import as a singleton in-process job: the
// one-active-job rule lives in the store (CreateDeploymentJob refuses a
// second pending/running row), so Engine itself holds no extra locking.
type Engine struct {
	store  store.Store
	ctrl   *lifecycle.Controller
	cfg    config.DeploymentConfig
	images config.LifecycleConfig
}

func New(s store.Store, ctrl *lifecycle.Controller, cfg config.DeploymentConfig, lifecycleCfg config.LifecycleConfig) *Engine {
	return &Engine{store: s, ctrl: ctrl, cfg: cfg, images: lifecycleCfg}
}

func (e *Engine) imageForEngine(engine models.Engine) string {
	if engine == models.EngineGPU {
		return e.images.GPUImage
	}
	return e.images.QuantizedImage
}

// ExportOptions controls what an export bundle contains.
type ExportOptions struct {
	IncludeImages   bool
	IncludeDatabase bool
	IncludeManifests bool
	IncludeModelsDir bool
	ModelsSourceDir string
	OutputName      string // subdirectory under WorkDir; defaults to a timestamp-free fixed name if empty
}

// Export starts an export job and returns immediately with the job's
// initial (running) record; Status reports its progress while it is active.
func (e *Engine) Export(ctx context.Context, opts ExportOptions) (*models.DeploymentJob, error) {
	job, err := e.startJob(ctx, models.JobExport)
	if err != nil {
		return nil, err
	}
	go e.runExport(job, opts)
	return job, nil
}

func (e *Engine) startJob(ctx context.Context, jobType models.JobType) (*models.DeploymentJob, error) {
	now := time.Now()
	job := &models.DeploymentJob{Type: jobType, Status: models.JobRunning, StartedAt: &now}
	if err := e.store.CreateDeploymentJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (e *Engine) setStep(job *models.DeploymentJob, step string, progress float64) {
	job.Step = step
	job.Progress = progress
	if err := e.store.UpdateDeploymentJob(context.Background(), job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist deployment job progress")
	}
}

func (e *Engine) finish(job *models.DeploymentJob, result map[string]any, failure error) {
	now := time.Now()
	job.FinishedAt = &now
	job.Progress = 1
	if failure != nil {
		job.Status = models.JobFailed
		job.Step = failure.Error()
		if result == nil {
			result = map[string]any{}
		}
		result["error"] = failure.Error()
	} else {
		job.Status = models.JobSucceeded
		job.Step = "done"
	}
	job.Result = result
	if err := e.store.UpdateDeploymentJob(context.Background(), job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist deployment job completion")
	}
}

func (e *Engine) outputDir(name string) string {
	if name == "" {
		name = "export"
	}
	return filepath.Join(e.cfg.WorkDir, name)
}

func (e *Engine) runExport(job *models.DeploymentJob, opts ExportOptions) {
	dir := e.outputDir(opts.OutputName)
	ctx := context.Background()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.finish(job, nil, fmt.Errorf("create export dir: %w", err))
		return
	}

	var redactedAll []string

	if opts.IncludeManifests {
		e.setStep(job, "writing model manifests", 0.1)
		redacted, err := e.exportModelManifests(ctx, dir)
		if err != nil {
			e.finish(job, nil, fmt.Errorf("export manifests: %w", err))
			return
		}
		redactedAll = append(redactedAll, redacted...)
	}

	if opts.IncludeDatabase {
		e.setStep(job, "dumping database", 0.35)
		if err := e.dumpDatabase(ctx, dir); err != nil {
			e.finish(job, nil, fmt.Errorf("dump database: %w", err))
			return
		}
	}

	if opts.IncludeImages {
		e.setStep(job, "saving container images", 0.55)
		if err := e.saveImages(ctx, dir); err != nil {
			e.finish(job, nil, fmt.Errorf("save images: %w", err))
			return
		}
	}

	if opts.IncludeModelsDir && opts.ModelsSourceDir != "" {
		e.setStep(job, "archiving models directory", 0.75)
		if err := copyDir(opts.ModelsSourceDir, filepath.Join(dir, "models")); err != nil {
			e.finish(job, nil, fmt.Errorf("archive models dir: %w", err))
			return
		}
	}

	e.setStep(job, "computing checksums", 0.9)
	manifest, err := buildManifest(dir)
	if err != nil {
		e.finish(job, nil, fmt.Errorf("build manifest: %w", err))
		return
	}
	manifest.RedactedTokens = dedupe(redactedAll)
	if err := writeManifest(dir, manifest); err != nil {
		e.finish(job, nil, fmt.Errorf("write manifest: %w", err))
		return
	}

	e.finish(job, map[string]any{"output_dir": dir, "file_count": len(manifest.Files)}, nil)
}

func (e *Engine) exportModelManifests(ctx context.Context, dir string) ([]string, error) {
	manifestsDir := filepath.Join(dir, "manifests")
	if err := os.MkdirAll(manifestsDir, 0o755); err != nil {
		return nil, err
	}
	list, err := e.store.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var redacted []string
	for _, m := range list {
		cfg, touched := redactManifestConfig(m.EngineConfig)
		m.EngineConfig = cfg
		redacted = append(redacted, touched...)
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		path := filepath.Join(manifestsDir, fmt.Sprintf("model-%s.json", m.ID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
	}
	return redacted, nil
}

func (e *Engine) dumpDatabase(ctx context.Context, dir string) error {
	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return err
	}
	list, err := e.store.ListModels(ctx)
	if err != nil {
		return err
	}
	usage, err := e.store.QueryUsage(ctx, store.UsageFilter{Limit: 50000})
	if err != nil {
		return err
	}
	dump := struct {
		Models []models.Model       `json:"models"`
		Usage  []models.UsageRecord `json:"usage"`
	}{Models: list, Usage: usage}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dbDir, "cortex.sql"), data, 0o644)
}

func (e *Engine) saveImages(ctx context.Context, dir string) error {
	imagesDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return err
	}
	images := map[string]string{}
	list, err := e.store.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range list {
		images[string(m.Engine)] = e.imageForEngine(m.Engine)
	}
	for engine, image := range images {
		tarPath := filepath.Join(imagesDir, engine+".tar")
		cmd := exec.CommandContext(ctx, e.dockerBin(), "save", "-o", tarPath, image)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("docker save %s: %s: %w", image, strings.TrimSpace(stderr.String()), err)
		}
	}
	return nil
}

func (e *Engine) dockerBin() string {
	if e.cfg.DockerBinaryPath != "" {
		return e.cfg.DockerBinaryPath
	}
	return "docker"
}

// ImportDBOptions controls an import-db operation.
type ImportDBOptions struct {
	SourceDir      string
	BackupFirst    bool
	DropExisting   bool
	ChecksumOverride bool
}

// ImportDB restores database contents from a prior export. After success,
// every model row is forced to `stopped` regardless of what state the dump
// recorded, since no container is running for any of them yet.
func (e *Engine) ImportDB(ctx context.Context, opts ImportDBOptions) (*models.DeploymentJob, error) {
	job, err := e.startJob(ctx, models.JobImportDB)
	if err != nil {
		return nil, err
	}
	go e.runImportDB(job, opts)
	return job, nil
}

func (e *Engine) runImportDB(job *models.DeploymentJob, opts ImportDBOptions) {
	ctx := context.Background()
	dumpPath := filepath.Join(opts.SourceDir, "db", "cortex.sql")
	if _, err := os.Stat(dumpPath); err != nil {
		e.finish(job, nil, fmt.Errorf("dump not found: %w", err))
		return
	}

	e.setStep(job, "verifying checksums", 0.2)
	manifest, err := readManifest(opts.SourceDir)
	if err == nil {
		if err := verifyManifest(opts.SourceDir, manifest, opts.ChecksumOverride); err != nil {
			e.finish(job, nil, err)
			return
		}
	}

	if opts.BackupFirst {
		e.setStep(job, "backing up current database", 0.35)
		if err := e.dumpDatabase(ctx, filepath.Join(e.cfg.WorkDir, "pre_restore_backup")); err != nil {
			e.finish(job, nil, fmt.Errorf("pre-restore backup: %w", err))
			return
		}
	}

	e.setStep(job, "applying dump", 0.6)
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		e.finish(job, nil, err)
		return
	}
	var dump struct {
		Models []models.Model       `json:"models"`
		Usage  []models.UsageRecord `json:"usage"`
	}
	if err := json.Unmarshal(data, &dump); err != nil {
		e.finish(job, nil, fmt.Errorf("parse dump: %w", err))
		return
	}

	if opts.DropExisting {
		existing, _ := e.store.ListModels(ctx)
		for _, m := range existing {
			_ = e.store.DeleteModel(ctx, m.ID)
		}
	}

	for _, m := range dump.Models {
		m.State = models.ModelStopped
		m.HostPort = 0
		m.ContainerName = ""
		if _, err := e.store.GetModel(ctx, m.ID); err == nil {
			_ = e.store.UpdateModel(ctx, &m)
		} else {
			_ = e.store.CreateModel(ctx, &m)
		}
	}
	for _, rec := range dump.Usage {
		rec := rec
		_ = e.store.RecordUsage(ctx, &rec)
	}

	e.finish(job, map[string]any{"models_restored": len(dump.Models), "usage_restored": len(dump.Usage)}, nil)
}

// ImportModelOptions controls an import-model operation.
type ImportModelOptions struct {
	SourceDir        string
	ManifestFile     string // e.g. "model-abc123.json"
	OnConflict       string // "error" | "rename"
	ChecksumOverride bool
}

// ImportModel scans SourceDir for the requested manifest, dry-run validates
// it, and creates a new stopped Model row. Redacted tokens are never
// restored — the operator must re-supply them.
func (e *Engine) ImportModel(ctx context.Context, opts ImportModelOptions) (*models.DeploymentJob, error) {
	job, err := e.startJob(ctx, models.JobImportModel)
	if err != nil {
		return nil, err
	}
	go e.runImportModel(job, opts)
	return job, nil
}

func (e *Engine) runImportModel(job *models.DeploymentJob, opts ImportModelOptions) {
	ctx := context.Background()
	manifestPath := filepath.Join(opts.SourceDir, "manifests", opts.ManifestFile)

	e.setStep(job, "reading model manifest", 0.2)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		e.finish(job, nil, fmt.Errorf("manifest not found: %w", err))
		return
	}
	var m models.Model
	if err := json.Unmarshal(data, &m); err != nil {
		e.finish(job, nil, fmt.Errorf("parse manifest: %w", err))
		return
	}

	if existing, err := e.store.GetModelByServedName(ctx, m.ServedModelName); err == nil {
		switch opts.OnConflict {
		case "rename":
			m.ServedModelName = existing.ServedModelName + "-imported"
		default:
			e.finish(job, nil, fmt.Errorf("served model name %q already exists", m.ServedModelName))
			return
		}
	}

	e.setStep(job, "validating engine config", 0.5)
	if m.Source == "local-path" {
		if _, err := os.Stat(m.LocalPath); err != nil && m.OfflineFlag {
			e.finish(job, nil, fmt.Errorf("local model path missing for offline model: %s", m.LocalPath))
			return
		}
	}

	m.ID = ""
	m.State = models.ModelStopped
	m.HostPort = 0
	m.ContainerName = ""
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now

	e.setStep(job, "creating model row", 0.8)
	if e.ctrl != nil {
		if err := e.ctrl.Create(ctx, &m); err != nil {
			e.finish(job, nil, err)
			return
		}
	} else if err := e.store.CreateModel(ctx, &m); err != nil {
		e.finish(job, nil, err)
		return
	}

	e.finish(job, map[string]any{"model_id": m.ID, "served_model_name": m.ServedModelName}, nil)
}

// Status returns the currently active (pending or running) job, or a
// store.ErrNotFound when none is active. Finished jobs are not returned
// here; their records stay readable by id through the store's
// GetDeploymentJob, which no HTTP route exposes.
func (e *Engine) Status(ctx context.Context) (*models.DeploymentJob, error) {
	return e.store.GetActiveDeploymentJob(ctx)
}

// ModelManifestSummary describes one model manifest file found by
// ListModelManifests. No HTTP route serves ListModelManifests.
type ModelManifestSummary struct {
	File            string `json:"file"`
	ModelID         string `json:"model_id"`
	ServedModelName string `json:"served_model_name"`
	Engine          string `json:"engine"`
}

// ListModelManifests scans dir/manifests for model-*.json files.
func (e *Engine) ListModelManifests(dir string) ([]ModelManifestSummary, error) {
	manifestsDir := filepath.Join(dir, "manifests")
	entries, err := os.ReadDir(manifestsDir)
	if err != nil {
		return nil, err
	}
	var out []ModelManifestSummary
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), "model-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(manifestsDir, ent.Name()))
		if err != nil {
			continue
		}
		var m models.Model
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, ModelManifestSummary{
			File:            ent.Name(),
			ModelID:         m.ID,
			ServedModelName: m.ServedModelName,
			Engine:          string(m.Engine),
		})
	}
	return out, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
