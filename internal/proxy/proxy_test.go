package proxy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortex/internal/proxy"
	"github.com/cortexd/cortex/internal/ratelimit"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/cortexd/cortex/pkg/middleware"
	"github.com/cortexd/cortex/pkg/models"
)

type recordedSink struct{ records []models.UsageRecord }

func (s *recordedSink) Record(rec models.UsageRecord) { s.records = append(s.records, rec) }

func newTestProxy(t *testing.T, upstreamURL string) (*proxy.Proxy, *recordedSink) {
	t.Helper()
	reg := registry.New()
	reg.Register(&registry.Entry{RegistryEntry: models.RegistryEntry{
		ServedModelName: "llama-3",
		ModelID:         "m1",
		UpstreamURL:     upstreamURL,
		Task:            models.TaskGenerate,
		Engine:          models.EngineGPU,
		Health:          models.HealthState{OK: true, BreakerState: models.BreakerClosed},
	}})

	sink := &recordedSink{}
	return &proxy.Proxy{
		Registry:     reg,
		Limiter:      ratelimit.New(ratelimit.Options{RPS: 1000, Burst: 1000}, true),
		StreamGate:   ratelimit.NewStreamGate(4),
		Usage:        sink,
		MaxBodyBytes: 1 << 20,
	}, sink
}

func withPrincipal(r *http.Request) *http.Request {
	p := &contracts.Principal{
		Kind:     contracts.PrincipalAPIKey,
		ApiKeyID: "key-1",
		Scopes:   []models.Scope{models.ScopeChat, models.ScopeCompletions, models.ScopeEmbeddings},
	}
	ctx := middleware.SetPrincipal(r.Context(), p)
	return r.WithContext(ctx)
}

func TestChatCompletionsBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp1","usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`))
	}))
	defer upstream.Close()

	p, sink := newTestProxy(t, upstream.URL)

	body := strings.NewReader(`{"model":"llama-3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req = withPrincipal(req)
	w := httptest.NewRecorder()

	p.ChatCompletions(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "resp1")

	require.Len(t, sink.records, 1)
	assert.Equal(t, int64(12), sink.records[0].TotalTokens)
	assert.Equal(t, "llama-3", sink.records[0].Model)
}

func TestUnknownModelReturns404(t *testing.T) {
	p, _ := newTestProxy(t, "http://unused")

	body := strings.NewReader(`{"model":"nope","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req = withPrincipal(req)
	w := httptest.NewRecorder()

	p.ChatCompletions(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var env map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "model not found", env["error"]["message"])
}

func TestMissingPrincipalReturns401(t *testing.T) {
	p, _ := newTestProxy(t, "http://unused")

	body := strings.NewReader(`{"model":"llama-3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	p.ChatCompletions(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOversizedBodyReturns413(t *testing.T) {
	p, _ := newTestProxy(t, "http://unused")
	p.MaxBodyBytes = 8

	body := strings.NewReader(`{"model":"llama-3","messages":[{"role":"user","content":"hello there"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req = withPrincipal(req)
	w := httptest.NewRecorder()

	p.ChatCompletions(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestStreamingPipesServerSentEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"delta\":\"hi\"}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	p, sink := newTestProxy(t, upstream.URL)

	body := strings.NewReader(`{"model":"llama-3","stream":true,"messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req = withPrincipal(req)
	w := httptest.NewRecorder()

	p.ChatCompletions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "[DONE]")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Len(t, sink.records, 1)
}

func TestRateLimitedReturns429WithRetryAfter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, upstream.URL)
	p.Limiter = ratelimit.New(ratelimit.Options{RPS: 0, Burst: 1}, true)

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"llama-3"}`))
		return withPrincipal(req)
	}

	w1 := httptest.NewRecorder()
	p.ChatCompletions(w1, mkReq())
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	p.ChatCompletions(w2, mkReq())
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
}

func TestDisconnectDuringStreamCancelsContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: start\n\n"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	p, sink := newTestProxy(t, upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	principal := &contracts.Principal{Kind: contracts.PrincipalAPIKey, ApiKeyID: "key-1", Scopes: []models.Scope{models.ScopeChat}}
	ctx = middleware.SetPrincipal(ctx, principal)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"llama-3","stream":true}`))
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p.ChatCompletions(w, req)

	assert.Contains(t, w.Body.String(), "data: start")
	require.Len(t, sink.records, 1)
}
