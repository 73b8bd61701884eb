package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/cortexd/cortex/pkg/models"
)

// MemoryStore implements Store with in-memory maps, guarded by one
// RWMutex. It is the test double used by handler and controller tests; the
// production store is PostgresStore.
type MemoryStore struct {
	mu sync.RWMutex

	orgs    map[string]*models.Organization
	users   map[string]*models.User
	keys    map[string]*models.ApiKey // key: id
	keysByPrefix map[string]string    // prefix → id
	modelsByID map[string]*models.Model
	usage   []models.UsageRecord
	cfg     map[string]*models.ConfigKV
	sessions map[string]*models.Session // key: token
	jobs    map[string]*models.DeploymentJob
	activeJob string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:         make(map[string]*models.Organization),
		users:        make(map[string]*models.User),
		keys:         make(map[string]*models.ApiKey),
		keysByPrefix: make(map[string]string),
		modelsByID:   make(map[string]*models.Model),
		cfg:          make(map[string]*models.ConfigKV),
		sessions:     make(map[string]*models.Session),
		jobs:         make(map[string]*models.DeploymentJob),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error   { return nil }
func (m *MemoryStore) Close() error                     { return nil }
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Organizations ─────────────────────────────────────────────

func (m *MemoryStore) ListOrgs(ctx context.Context) ([]models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetOrg(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CreateOrg(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteOrg(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orgs, id)
	return nil
}

// ── Users ─────────────────────────────────────────────────────

func (m *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: username}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return &ErrNotFound{Entity: "user", Key: u.ID}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

// ── API Keys ──────────────────────────────────────────────────

func (m *MemoryStore) ListApiKeys(ctx context.Context, userID string) ([]models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ApiKey
	for _, k := range m.keys {
		if userID == "" || k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetApiKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByPrefix[prefix]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: prefix}
	}
	cp := *m.keys[id]
	return &cp, nil
}

func (m *MemoryStore) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: id}
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	cp := *key
	m.keys[key.ID] = &cp
	m.keysByPrefix[key.Prefix] = key.ID
	return nil
}

func (m *MemoryStore) RevokeApiKey(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (m *MemoryStore) TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	k.LastUsedAt = &at
	return nil
}

// ── Models ────────────────────────────────────────────────────

func (m *MemoryStore) ListModels(ctx context.Context) ([]models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Model, 0, len(m.modelsByID))
	for _, mm := range m.modelsByID {
		out = append(out, *mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm, ok := m.modelsByID[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	cp := *mm
	return &cp, nil
}

func (m *MemoryStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mm := range m.modelsByID {
		if mm.ServedModelName == servedName {
			cp := *mm
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "model", Key: servedName}
}

func (m *MemoryStore) CreateModel(ctx context.Context, mm *models.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm.ID == "" {
		mm.ID = uuid.NewString()
	}
	cp := *mm
	m.modelsByID[mm.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateModel(ctx context.Context, mm *models.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modelsByID[mm.ID]; !ok {
		return &ErrNotFound{Entity: "model", Key: mm.ID}
	}
	cp := *mm
	m.modelsByID[mm.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteModel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modelsByID[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	delete(m.modelsByID, id)
	return nil
}

func (m *MemoryStore) ListModelsByState(ctx context.Context, state models.ModelState) ([]models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Model
	for _, mm := range m.modelsByID {
		if mm.State == state {
			out = append(out, *mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Usage ─────────────────────────────────────────────────────

func (m *MemoryStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.usage = append(m.usage, *rec)
	return nil
}

func (m *MemoryStore) QueryUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	return m.filterUsage(filter)
}

func (m *MemoryStore) ExportUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	const exportCap = 50000
	if filter.Limit == 0 || filter.Limit > exportCap {
		filter.Limit = exportCap
	}
	return m.filterUsage(filter)
}

func (m *MemoryStore) filterUsage(filter UsageFilter) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UsageRecord
	for _, rec := range m.usage {
		if filter.Since != nil && rec.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && rec.Timestamp.After(*filter.Until) {
			continue
		}
		if filter.Model != "" && rec.Model != filter.Model {
			continue
		}
		if filter.Task != "" && rec.Task != filter.Task {
			continue
		}
		if filter.ApiKeyID != "" && rec.ApiKeyID != filter.ApiKeyID {
			continue
		}
		if filter.StatusClass != "" && !statusInClass(rec.StatusCode, filter.StatusClass) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func statusInClass(status int, class string) bool {
	switch class {
	case "2xx":
		return status >= 200 && status < 300
	case "4xx":
		return status >= 400 && status < 500
	case "5xx":
		return status >= 500 && status < 600
	default:
		return true
	}
}

// ── Config KV ─────────────────────────────────────────────────

func (m *MemoryStore) GetConfig(ctx context.Context, key string) (*models.ConfigKV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.cfg[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "config", Key: key}
	}
	cp := *kv
	return &cp, nil
}

func (m *MemoryStore) SetConfig(ctx context.Context, kv *models.ConfigKV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv.UpdatedAt = time.Now()
	cp := *kv
	m.cfg[kv.Key] = &cp
	return nil
}

// ── Sessions ──────────────────────────────────────────────────

func (m *MemoryStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: token}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *MemoryStore) RevokeSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// ── Deployment Jobs ───────────────────────────────────────────

func (m *MemoryStore) GetDeploymentJob(ctx context.Context, id string) (*models.DeploymentJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "deployment_job", Key: id}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) GetActiveDeploymentJob(ctx context.Context) (*models.DeploymentJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeJob == "" {
		return nil, &ErrNotFound{Entity: "deployment_job", Key: "active"}
	}
	cp := *m.jobs[m.activeJob]
	return &cp, nil
}

func (m *MemoryStore) CreateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == models.JobPending || job.Status == models.JobRunning {
		if m.activeJob != "" && m.activeJob != job.ID {
			return fmt.Errorf("a deployment job is already active: %s", m.activeJob)
		}
		m.activeJob = job.ID
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return &ErrNotFound{Entity: "deployment_job", Key: job.ID}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	if job.Status != models.JobPending && job.Status != models.JobRunning && m.activeJob == job.ID {
		m.activeJob = ""
	}
	return nil
}
