package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cortexd/cortex/internal/api"
	"github.com/cortexd/cortex/internal/api/handlers"
	"github.com/cortexd/cortex/internal/authn"
	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/deployment"
	"github.com/cortexd/cortex/internal/lifecycle"
	"github.com/cortexd/cortex/internal/lifecycle/containerrt"
	"github.com/cortexd/cortex/internal/metrics"
	"github.com/cortexd/cortex/internal/proxy"
	"github.com/cortexd/cortex/internal/ratelimit"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/internal/usage"
	"github.com/cortexd/cortex/pkg/models"
)

func testLifecycleConfig() (config.LifecycleConfig, config.UpstreamConfig) {
	return config.LifecycleConfig{
			GPUImage:                "vllm/vllm-openai:latest",
			QuantizedImage:          "ghcr.io/ggerganov/llama.cpp:server",
			ModelsDir:               "/var/lib/cortex/models",
			HostPortRangeStart:      9200,
			HostPortRangeEnd:        9210,
			GPUStartupTimeout:       5 * time.Second,
			QuantizedStartupTimeout: 5 * time.Second,
			NetworkName:             "cortex-net",
			MultiGPUConnTimeout:     30 * time.Second,
		}, config.UpstreamConfig{SharedSecret: "s3cr3t"}
}

// newTestRouter wires a complete handler stack over a fresh in-memory
// store, mirroring what pkg/server.NewWithStore assembles in production.
func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New()
	lcfg, ucfg := testLifecycleConfig()
	ctrl, err := lifecycle.New(s, containerrt.NewDocker(), reg, lcfg, ucfg)
	require.NoError(t, err)

	m := metrics.Noop()
	usageMeter := usage.New(s, m)
	t.Cleanup(func() { usageMeter.Close() })

	depEngine := deployment.New(s, ctrl, config.DeploymentConfig{WorkDir: t.TempDir(), DockerBinaryPath: "docker"}, lcfg)

	h := handlers.New(s, reg, ctrl, usageMeter, depEngine)

	p := &proxy.Proxy{
		Registry:          reg,
		Limiter:           ratelimit.New(ratelimit.Options{RPS: 100, Burst: 100}, true),
		StreamGate:        ratelimit.NewStreamGate(8),
		Models:            s,
		Usage:             usageMeter,
		Metrics:           m,
		MaxBodyBytes:      1 << 20,
		RequestTimeout:    5 * time.Second,
		StreamIdleTimeout: 5 * time.Second,
		UpstreamClient:    &http.Client{Timeout: 5 * time.Second},
	}

	authChain := authn.NewProviderChain()
	authChain.RegisterProvider(authn.NewAPIKeyProvider(s, 1))
	authChain.RegisterProvider(authn.NewSessionProvider(s))

	return api.NewRouter(&config.Config{}, h, p, authChain), s
}

func TestHealthIsPublic(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModelsStatusIsPublicButModelsRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRouteRejectsNonAdminSession(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := t.Context()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.DefaultCost)
	require.NoError(t, err)
	user := &models.User{ID: "u1", Username: "alice", PasswordHash: string(hash), Role: models.RoleUser}
	require.NoError(t, s.CreateUser(ctx, user))

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == authn.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login must set a session cookie")

	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRouteAllowsAdminSession(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := t.Context()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.DefaultCost)
	require.NoError(t, err)
	user := &models.User{ID: "u1", Username: "admin", PasswordHash: string(hash), Role: models.RoleAdmin}
	require.NoError(t, s.CreateUser(ctx, user))

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == authn.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApiKeyAuthenticatesChatCompletionsScope(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := t.Context()

	full, prefix, hash, err := authn.GenerateAPIKey()
	require.NoError(t, err)
	key := &models.ApiKey{ID: "k1", Prefix: prefix, Hash: hash, Scopes: []models.Scope{models.ScopeEmbeddings}}
	require.NoError(t, s.CreateApiKey(ctx, key))

	body, _ := json.Marshal(map[string]any{"model": "llama-3", "messages": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+full)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// the key lacks the chat scope, so the proxy must reject it with 403
	// rather than ever attempting to resolve an upstream
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApiKeyIPNotAllowedIsUnauthorizedNotForbidden(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := t.Context()

	full, prefix, hash, err := authn.GenerateAPIKey()
	require.NoError(t, err)
	key := &models.ApiKey{
		ID:          "k1",
		Prefix:      prefix,
		Hash:        hash,
		Scopes:      []models.Scope{models.ScopeChat},
		IPAllowlist: []string{"10.0.0.0/8"},
	}
	require.NoError(t, s.CreateApiKey(ctx, key))

	body, _ := json.Marshal(map[string]any{"model": "llama-3", "messages": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+full)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// ip_not_allowed is an authentication failure (401), not a scope failure
	// (403): only scope_not_permitted maps to 403 per §4.1.
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
