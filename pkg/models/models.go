// Package models holds the entity and wire structs shared by the store,
// the lifecycle controller, and the HTTP handlers.
package models

import "time"

// ── Organization ─────────────────────────────────────────────

type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── User ─────────────────────────────────────────────────────

type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	OrgID        string    `json:"org_id,omitempty" db:"org_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ── ApiKey ───────────────────────────────────────────────────

type Scope string

const (
	ScopeChat        Scope = "chat"
	ScopeCompletions Scope = "completions"
	ScopeEmbeddings  Scope = "embeddings"
)

// ApiKey is the persisted record for a bearer token. The full token is
// returned to the caller exactly once, at creation time; only prefix and
// hash are ever stored or read back.
type ApiKey struct {
	ID          string     `json:"id" db:"id"`
	Prefix      string     `json:"prefix" db:"prefix"` // first 8 chars, shown in listings
	Hash        string     `json:"-" db:"hash"`        // sha256 of the full token
	Scopes      []Scope    `json:"scopes" db:"scopes"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty" db:"ip_allowlist"` // CIDRs; empty = unrestricted
	UserID      string     `json:"user_id,omitempty" db:"user_id"`
	OrgID       string     `json:"org_id,omitempty" db:"org_id"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// HasScope reports whether the key carries the given scope.
func (k *ApiKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// ── Model ────────────────────────────────────────────────────

type Engine string

const (
	EngineGPU       Engine = "gpu-serving"
	EngineQuantized Engine = "quantized-serving"
)

type Task string

const (
	TaskGenerate Task = "generate"
	TaskEmbed    Task = "embed"
)

type ModelState string

const (
	ModelStopped  ModelState = "stopped"
	ModelStarting ModelState = "starting"
	ModelLoading  ModelState = "loading"
	ModelRunning  ModelState = "running"
	ModelFailed   ModelState = "failed"
)

// SpeculativeConfig describes speculative decoding knobs shared by both
// engine families (fields interpreted differently per engine).
type SpeculativeConfig struct {
	Method        string `json:"method,omitempty"`
	NumTokens     int    `json:"num_tokens,omitempty"`
	DraftModel    string `json:"draft_model_path,omitempty"`
	DraftN        int    `json:"draft_n,omitempty"`
	DraftPMin     float64 `json:"draft_p_min,omitempty"`
}

// LoraAdapter is one entry of the quantized engine's lora_adapters list.
type LoraAdapter struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// Model is the admin-managed row describing one orchestrated model. Most
// engine-specific knobs live in EngineConfig as an open bag so that unknown
// fields round-trip without the gateway needing to understand them.
type Model struct {
	ID               string            `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	ServedModelName  string            `json:"served_model_name" db:"served_model_name"`
	Engine           Engine            `json:"engine" db:"engine"`
	Task             Task              `json:"task" db:"task"`
	Source           string            `json:"source" db:"source"` // local-path | repo-id
	LocalPath        string            `json:"local_path,omitempty" db:"local_path"`
	RepoID           string            `json:"repo_id,omitempty" db:"repo_id"`
	TokenizerOverride string           `json:"tokenizer_override,omitempty" db:"tokenizer_override"`
	HFConfigPath     string            `json:"hf_config_path,omitempty" db:"hf_config_path"`
	State            ModelState        `json:"state" db:"state"`
	ContainerName    string            `json:"container_name,omitempty" db:"container_name"`
	HostPort         int               `json:"host_port,omitempty" db:"host_port"`
	SelectedGPUs     []int             `json:"selected_gpus,omitempty" db:"selected_gpus"`
	EngineConfig     map[string]any    `json:"engine_config,omitempty" db:"engine_config"`
	RequestDefaults  map[string]any    `json:"request_defaults,omitempty" db:"request_defaults"`
	StartupTimeoutSec int              `json:"startup_timeout_sec" db:"startup_timeout_sec"`
	OfflineFlag      bool              `json:"offline_flag" db:"offline_flag"`
	LastFailure      *ClassifiedError  `json:"last_failure,omitempty" db:"last_failure"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// ClassifiedError is the diagnostic classifier's triad, attached to a Model
// row when a lifecycle transition lands it in `failed`.
type ClassifiedError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	FixHint   string `json:"fix_hint"`
	LogTail   string `json:"log_tail,omitempty"`
	Matched   bool   `json:"matched"`
}

// ── Registry entry (in-memory only; not persisted) ──────────

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type HealthState struct {
	OK                 bool         `json:"ok"`
	LastCheckAt        time.Time    `json:"last_check_at"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	BreakerState       BreakerState `json:"breaker_state"`
}

// RegistryEntry maps a served name to its upstream URL and health state.
// Held only in memory, rebuilt from Models in state "running" plus any
// static configuration.
type RegistryEntry struct {
	ServedModelName string      `json:"served_model_name"`
	ModelID         string      `json:"model_id"`
	UpstreamURL     string      `json:"upstream_url"`
	Task            Task        `json:"task"`
	Engine          Engine      `json:"engine"`
	Health          HealthState `json:"health"`
	lastUsedAt      time.Time   // for least-recently-used selection; not serialized
}

func (e *RegistryEntry) LastUsedAt() time.Time     { return e.lastUsedAt }
func (e *RegistryEntry) TouchUsed(t time.Time)     { e.lastUsedAt = t }

// ── UsageRecord ──────────────────────────────────────────────

type UsageRecord struct {
	ID               string    `json:"id" db:"id"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	ApiKeyID         string    `json:"api_key_id,omitempty" db:"api_key_id"`
	UserID           string    `json:"user_id,omitempty" db:"user_id"`
	OrgID            string    `json:"org_id,omitempty" db:"org_id"`
	Model            string    `json:"model" db:"model"`
	Task             Task      `json:"task" db:"task"`
	Endpoint         string    `json:"endpoint" db:"endpoint"`
	PromptTokens     int64     `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens" db:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
	TTFTMs           *int64    `json:"ttft_ms,omitempty" db:"ttft_ms"`
	StatusCode       int       `json:"status_code" db:"status_code"`
	RequestID        string    `json:"request_id" db:"request_id"`
}

// ── ConfigKV ─────────────────────────────────────────────────

type ConfigKV struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"` // JSON-encoded
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Session ──────────────────────────────────────────────────

type Session struct {
	Token     string    `json:"-" db:"token"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// ── DeploymentJob ────────────────────────────────────────────

type JobType string

const (
	JobExport       JobType = "export"
	JobImportDB     JobType = "import-db"
	JobImportModel  JobType = "import-model"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type DeploymentJob struct {
	ID         string          `json:"id" db:"id"`
	Type       JobType         `json:"type" db:"type"`
	Status     JobStatus       `json:"status" db:"status"`
	Progress   float64         `json:"progress" db:"progress"`
	Step       string          `json:"step" db:"step"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Result     map[string]any  `json:"result,omitempty" db:"result"`
}
