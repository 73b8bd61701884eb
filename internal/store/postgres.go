package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cortexd/cortex/pkg/models"
)

// PostgresStore is the production Store implementation: raw SQL over
// pgx/v5, no ORM. Connection pooling is handled by pgxpool; schema
// creation lives in Migrate so the gateway can stand up a blank database
// on first boot.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connURL string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Msg("postgres store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

// Migrate creates the eight tables named in §4.7, idempotently.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	org_id        TEXT REFERENCES organizations(id) ON DELETE SET NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id            TEXT PRIMARY KEY,
	prefix        TEXT NOT NULL UNIQUE,
	hash          TEXT NOT NULL,
	scopes        JSONB NOT NULL DEFAULT '[]',
	ip_allowlist  JSONB NOT NULL DEFAULT '[]',
	user_id       TEXT REFERENCES users(id) ON DELETE CASCADE,
	org_id        TEXT REFERENCES organizations(id) ON DELETE CASCADE,
	expires_at    TIMESTAMPTZ,
	revoked_at    TIMESTAMPTZ,
	last_used_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (prefix);

CREATE TABLE IF NOT EXISTS models (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	served_model_name   TEXT NOT NULL UNIQUE,
	engine              TEXT NOT NULL,
	task                TEXT NOT NULL,
	source              TEXT NOT NULL,
	local_path          TEXT NOT NULL DEFAULT '',
	repo_id             TEXT NOT NULL DEFAULT '',
	tokenizer_override  TEXT NOT NULL DEFAULT '',
	hf_config_path      TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT 'stopped',
	container_name      TEXT NOT NULL DEFAULT '',
	host_port           INTEGER NOT NULL DEFAULT 0,
	selected_gpus       JSONB NOT NULL DEFAULT '[]',
	engine_config       JSONB NOT NULL DEFAULT '{}',
	request_defaults    JSONB NOT NULL DEFAULT '{}',
	startup_timeout_sec INTEGER NOT NULL DEFAULT 0,
	offline_flag        BOOLEAN NOT NULL DEFAULT false,
	last_failure        JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_models_state ON models (state);

CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	"timestamp"       TIMESTAMPTZ NOT NULL,
	api_key_id        TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	org_id            TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	task              TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens      BIGINT NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	ttft_ms           BIGINT,
	status_code       INTEGER NOT NULL,
	request_id        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records ("timestamp");
CREATE INDEX IF NOT EXISTS idx_usage_api_key ON usage_records (api_key_id);

CREATE TABLE IF NOT EXISTS config_kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS deployment_jobs (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	step        TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result      JSONB
);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Organizations ─────────────────────────────────────────────

func (s *PostgresStore) ListOrgs(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	return &o, err
}

func (s *PostgresStore) CreateOrg(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO organizations (id, name) VALUES ($1, $2)`, org.ID, org.Name)
	return err
}

func (s *PostgresStore) DeleteOrg(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	return err
}

// ── Users ─────────────────────────────────────────────────────

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, password_hash, role, org_id, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.OrgID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, role, org_id, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.OrgID, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	return &u, err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username, password_hash, role, org_id, created_at FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.OrgID, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "user", Key: username}
	}
	return &u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role, org_id) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Role, nullIfEmpty(u.OrgID))
	return err
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *models.User) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET username = $2, password_hash = $3, role = $4, org_id = $5 WHERE id = $1`,
		u.ID, u.Username, u.PasswordHash, u.Role, nullIfEmpty(u.OrgID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "user", Key: u.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

// ── API Keys ──────────────────────────────────────────────────

func (s *PostgresStore) ListApiKeys(ctx context.Context, userID string) ([]models.ApiKey, error) {
	var rows pgx.Rows
	var err error
	if userID == "" {
		rows, err = s.pool.Query(ctx, apiKeySelect+` ORDER BY created_at`)
	} else {
		rows, err = s.pool.Query(ctx, apiKeySelect+` WHERE user_id = $1 ORDER BY created_at`, userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

const apiKeySelect = `SELECT id, prefix, hash, scopes, ip_allowlist, user_id, org_id, expires_at, revoked_at, last_used_at, created_at FROM api_keys`

func scanApiKey(row pgx.Row) (models.ApiKey, error) {
	var k models.ApiKey
	var scopesRaw, allowlistRaw []byte
	err := row.Scan(&k.ID, &k.Prefix, &k.Hash, &scopesRaw, &allowlistRaw, &k.UserID, &k.OrgID, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return k, err
	}
	_ = json.Unmarshal(scopesRaw, &k.Scopes)
	_ = json.Unmarshal(allowlistRaw, &k.IPAllowlist)
	return k, nil
}

func (s *PostgresStore) GetApiKeyByPrefix(ctx context.Context, prefix string) (*models.ApiKey, error) {
	row := s.pool.QueryRow(ctx, apiKeySelect+` WHERE prefix = $1`, prefix)
	k, err := scanApiKey(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "api_key", Key: prefix}
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	row := s.pool.QueryRow(ctx, apiKeySelect+` WHERE id = $1`, id)
	k, err := scanApiKey(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "api_key", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	scopes, _ := json.Marshal(key.Scopes)
	allowlist, _ := json.Marshal(key.IPAllowlist)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, hash, scopes, ip_allowlist, user_id, org_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Prefix, key.Hash, scopes, allowlist, nullIfEmpty(key.UserID), nullIfEmpty(key.OrgID), key.ExpiresAt)
	return err
}

func (s *PostgresStore) RevokeApiKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: id}
	}
	return nil
}

func (s *PostgresStore) TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// ── Models ────────────────────────────────────────────────────

const modelSelect = `SELECT id, name, served_model_name, engine, task, source, local_path, repo_id,
	tokenizer_override, hf_config_path, state, container_name, host_port, selected_gpus,
	engine_config, request_defaults, startup_timeout_sec, offline_flag, last_failure,
	created_at, updated_at FROM models`

func scanModel(row pgx.Row) (models.Model, error) {
	var m models.Model
	var gpusRaw, engineCfgRaw, defaultsRaw, lastFailureRaw []byte
	err := row.Scan(&m.ID, &m.Name, &m.ServedModelName, &m.Engine, &m.Task, &m.Source, &m.LocalPath, &m.RepoID,
		&m.TokenizerOverride, &m.HFConfigPath, &m.State, &m.ContainerName, &m.HostPort, &gpusRaw,
		&engineCfgRaw, &defaultsRaw, &m.StartupTimeoutSec, &m.OfflineFlag, &lastFailureRaw,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	_ = json.Unmarshal(gpusRaw, &m.SelectedGPUs)
	_ = json.Unmarshal(engineCfgRaw, &m.EngineConfig)
	_ = json.Unmarshal(defaultsRaw, &m.RequestDefaults)
	if len(lastFailureRaw) > 0 {
		m.LastFailure = &models.ClassifiedError{}
		_ = json.Unmarshal(lastFailureRaw, m.LastFailure)
	}
	return m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx, modelSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, modelSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "model", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, modelSelect+` WHERE served_model_name = $1`, servedName))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "model", Key: servedName}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	gpus, _ := json.Marshal(m.SelectedGPUs)
	engineCfg, _ := json.Marshal(m.EngineConfig)
	defaults, _ := json.Marshal(m.RequestDefaults)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO models (id, name, served_model_name, engine, task, source, local_path, repo_id,
			tokenizer_override, hf_config_path, state, container_name, host_port, selected_gpus,
			engine_config, request_defaults, startup_timeout_sec, offline_flag)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		m.ID, m.Name, m.ServedModelName, m.Engine, m.Task, m.Source, m.LocalPath, m.RepoID,
		m.TokenizerOverride, m.HFConfigPath, m.State, m.ContainerName, m.HostPort, gpus,
		engineCfg, defaults, m.StartupTimeoutSec, m.OfflineFlag)
	return err
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *models.Model) error {
	gpus, _ := json.Marshal(m.SelectedGPUs)
	engineCfg, _ := json.Marshal(m.EngineConfig)
	defaults, _ := json.Marshal(m.RequestDefaults)
	var lastFailure []byte
	if m.LastFailure != nil {
		lastFailure, _ = json.Marshal(m.LastFailure)
	}
	m.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE models SET name=$2, served_model_name=$3, engine=$4, task=$5, source=$6, local_path=$7,
			repo_id=$8, tokenizer_override=$9, hf_config_path=$10, state=$11, container_name=$12,
			host_port=$13, selected_gpus=$14, engine_config=$15, request_defaults=$16,
			startup_timeout_sec=$17, offline_flag=$18, last_failure=$19, updated_at=$20
		 WHERE id=$1`,
		m.ID, m.Name, m.ServedModelName, m.Engine, m.Task, m.Source, m.LocalPath, m.RepoID,
		m.TokenizerOverride, m.HFConfigPath, m.State, m.ContainerName, m.HostPort, gpus,
		engineCfg, defaults, m.StartupTimeoutSec, m.OfflineFlag, lastFailure, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: m.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListModelsByState(ctx context.Context, state models.ModelState) ([]models.Model, error) {
	rows, err := s.pool.Query(ctx, modelSelect+` WHERE state = $1 ORDER BY id`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ── Usage ─────────────────────────────────────────────────────

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, "timestamp", api_key_id, user_id, org_id, model, task, endpoint,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, ttft_ms, status_code, request_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, rec.Timestamp, rec.ApiKeyID, rec.UserID, rec.OrgID, rec.Model, rec.Task, rec.Endpoint,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMs, rec.TTFTMs, rec.StatusCode, rec.RequestID)
	return err
}

func (s *PostgresStore) QueryUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	return s.queryUsage(ctx, filter, 0)
}

func (s *PostgresStore) ExportUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	return s.queryUsage(ctx, filter, 50000)
}

func (s *PostgresStore) queryUsage(ctx context.Context, filter UsageFilter, exportCap int) ([]models.UsageRecord, error) {
	query := `SELECT id, "timestamp", api_key_id, user_id, org_id, model, task, endpoint,
		prompt_tokens, completion_tokens, total_tokens, latency_ms, ttft_ms, status_code, request_id
		FROM usage_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Since != nil {
		query += ` AND "timestamp" >= ` + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += ` AND "timestamp" <= ` + arg(*filter.Until)
	}
	if filter.Model != "" {
		query += ` AND model = ` + arg(filter.Model)
	}
	if filter.Task != "" {
		query += ` AND task = ` + arg(filter.Task)
	}
	if filter.ApiKeyID != "" {
		query += ` AND api_key_id = ` + arg(filter.ApiKeyID)
	}
	switch filter.StatusClass {
	case "2xx":
		query += ` AND status_code >= 200 AND status_code < 300`
	case "4xx":
		query += ` AND status_code >= 400 AND status_code < 500`
	case "5xx":
		query += ` AND status_code >= 500 AND status_code < 600`
	}
	query += ` ORDER BY "timestamp" DESC, id DESC`

	limit := filter.Limit
	if exportCap > 0 && (limit == 0 || limit > exportCap) {
		limit = exportCap
	}
	if limit > 0 {
		query += ` LIMIT ` + arg(limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.ApiKeyID, &rec.UserID, &rec.OrgID, &rec.Model, &rec.Task,
			&rec.Endpoint, &rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.LatencyMs, &rec.TTFTMs,
			&rec.StatusCode, &rec.RequestID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── Config KV ─────────────────────────────────────────────────

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (*models.ConfigKV, error) {
	var kv models.ConfigKV
	err := s.pool.QueryRow(ctx, `SELECT key, value, updated_at FROM config_kv WHERE key = $1`, key).
		Scan(&kv.Key, &kv.Value, &kv.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "config", Key: key}
	}
	return &kv, err
}

func (s *PostgresStore) SetConfig(ctx context.Context, kv *models.ConfigKV) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
		kv.Key, kv.Value)
	return err
}

// ── Sessions ──────────────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT token, user_id, created_at, expires_at, revoked_at FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.RevokedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "session", Key: token}
	}
	return &sess, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		sess.Token, sess.UserID, sess.ExpiresAt)
	return err
}

func (s *PostgresStore) RevokeSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE token = $1`, token)
	return err
}

// ── Deployment Jobs ───────────────────────────────────────────

const deploymentJobSelect = `SELECT id, type, status, progress, step, started_at, finished_at, result FROM deployment_jobs`

func scanDeploymentJob(row pgx.Row) (models.DeploymentJob, error) {
	var j models.DeploymentJob
	var resultRaw []byte
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Progress, &j.Step, &j.StartedAt, &j.FinishedAt, &resultRaw)
	if err != nil {
		return j, err
	}
	if len(resultRaw) > 0 {
		_ = json.Unmarshal(resultRaw, &j.Result)
	}
	return j, nil
}

func (s *PostgresStore) GetDeploymentJob(ctx context.Context, id string) (*models.DeploymentJob, error) {
	j, err := scanDeploymentJob(s.pool.QueryRow(ctx, deploymentJobSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "deployment_job", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) GetActiveDeploymentJob(ctx context.Context) (*models.DeploymentJob, error) {
	j, err := scanDeploymentJob(s.pool.QueryRow(ctx, deploymentJobSelect+` WHERE status IN ('pending','running') ORDER BY started_at DESC LIMIT 1`))
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "deployment_job", Key: "active"}
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == models.JobPending || job.Status == models.JobRunning {
		if existing, err := s.GetActiveDeploymentJob(ctx); err == nil {
			return fmt.Errorf("a deployment job is already active: %s", existing.ID)
		}
	}
	result, _ := json.Marshal(job.Result)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployment_jobs (id, type, status, progress, step, started_at, finished_at, result)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		job.ID, job.Type, job.Status, job.Progress, job.Step, job.StartedAt, job.FinishedAt, result)
	return err
}

func (s *PostgresStore) UpdateDeploymentJob(ctx context.Context, job *models.DeploymentJob) error {
	result, _ := json.Marshal(job.Result)
	tag, err := s.pool.Exec(ctx,
		`UPDATE deployment_jobs SET type=$2, status=$3, progress=$4, step=$5, started_at=$6, finished_at=$7, result=$8
		 WHERE id=$1`,
		job.ID, job.Type, job.Status, job.Progress, job.Step, job.StartedAt, job.FinishedAt, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "deployment_job", Key: job.ID}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
