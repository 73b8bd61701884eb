// Package store defines the persistence interface for Cortex and its
// implementations: a PostgreSQL-backed store for production and an
// in-memory store for tests. All handler and service code depends on the
// Store interface, never on a concrete implementation.
package store

import (
	"context"
	"time"

	"github.com/cortexd/cortex/pkg/models"
)

// Store is the primary storage interface for the gateway.
type Store interface {
	OrgStore
	UserStore
	ApiKeyStore
	ModelStore
	UsageStore
	ConfigStore
	SessionStore
	DeploymentJobStore

	// Ping checks if the database is reachable (liveness only, no writes).
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema (tables + indexes in §4.7) if absent.
	Migrate(ctx context.Context) error
}

// ── Organization Store ───────────────────────────────────────

type OrgStore interface {
	ListOrgs(ctx context.Context) ([]models.Organization, error)
	GetOrg(ctx context.Context, id string) (*models.Organization, error)
	CreateOrg(ctx context.Context, org *models.Organization) error
	DeleteOrg(ctx context.Context, id string) error
}

// ── User Store ───────────────────────────────────────────────

type UserStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error
}

// ── ApiKey Store ─────────────────────────────────────────────

type ApiKeyStore interface {
	ListApiKeys(ctx context.Context, userID string) ([]models.ApiKey, error)
	GetApiKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error)
	GetApiKey(ctx context.Context, id string) (*models.ApiKey, error)
	CreateApiKey(ctx context.Context, key *models.ApiKey) error
	RevokeApiKey(ctx context.Context, id string) error
	TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// ── Model Store ──────────────────────────────────────────────

type ModelStore interface {
	ListModels(ctx context.Context) ([]models.Model, error)
	GetModel(ctx context.Context, id string) (*models.Model, error)
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error
	UpdateModel(ctx context.Context, m *models.Model) error
	DeleteModel(ctx context.Context, id string) error
	// ListModelsByState returns models in a given state, used to rebuild
	// the registry from persisted state on process restart.
	ListModelsByState(ctx context.Context, state models.ModelState) ([]models.Model, error)
}

// ── Usage Store ──────────────────────────────────────────────

// UsageFilter mirrors the filter options named in §4.6.
type UsageFilter struct {
	Since       *time.Time
	Until       *time.Time
	Model       string
	Task        models.Task
	StatusClass string // "2xx" | "4xx" | "5xx"
	ApiKeyID    string
	Limit       int
	Offset      int
}

type UsageStore interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
	QueryUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
	// ExportUsage streams rows matching filter, bounded to 50,000 per §4.6.
	ExportUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
}

// ── Config KV Store ──────────────────────────────────────────

type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (*models.ConfigKV, error)
	SetConfig(ctx context.Context, kv *models.ConfigKV) error
}

// ── Session Store ────────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, token string) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	RevokeSession(ctx context.Context, token string) error
}

// ── Deployment Job Store ─────────────────────────────────────

type DeploymentJobStore interface {
	GetDeploymentJob(ctx context.Context, id string) (*models.DeploymentJob, error)
	GetActiveDeploymentJob(ctx context.Context) (*models.DeploymentJob, error)
	CreateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error
	UpdateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error
}

// ── Errors ───────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
