// Package proxy implements the streaming reverse proxy described in §4.4:
// it authenticates and rate-limits each request, resolves the target
// upstream through the registry, overlays the model's request_defaults,
// and pipes the engine's response back to the client either buffered or
// as server-sent events.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cortexd/cortex/internal/metrics"
	"github.com/cortexd/cortex/internal/ratelimit"
	"github.com/cortexd/cortex/internal/registry"
	"github.com/cortexd/cortex/pkg/contracts"
	"github.com/cortexd/cortex/pkg/middleware"
	"github.com/cortexd/cortex/pkg/models"
	"github.com/rs/zerolog/log"
)

// UsageSink records a completed request asynchronously. Implemented by
// internal/usage.Meter; declared here to avoid a proxy→usage→store import
// cycle (the meter itself depends on the store).
type UsageSink interface {
	Record(rec models.UsageRecord)
}

// ModelLookup resolves the admin-configured Model row for overlay and task
// validation, independent of the registry's live upstream bookkeeping.
type ModelLookup interface {
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
}

// Proxy wires the request pipeline described in §4.4.
type Proxy struct {
	Registry      *registry.Registry
	Limiter       *ratelimit.Limiter
	StreamGate    *ratelimit.StreamGate
	Models        ModelLookup
	Usage         UsageSink
	Metrics       *metrics.Metrics
	MaxBodyBytes  int64
	RequestTimeout time.Duration
	StreamIdleTimeout time.Duration
	UpstreamClient *http.Client
}

type inboundRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (p *Proxy) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/chat/completions", models.TaskGenerate)
}

// Completions handles POST /v1/completions.
func (p *Proxy) Completions(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/completions", models.TaskGenerate)
}

// Embeddings handles POST /v1/embeddings. Embeddings are never streamed.
func (p *Proxy) Embeddings(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/embeddings", models.TaskEmbed)
}

// handle implements the numbered pipeline in §4.4.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request, endpoint string, task models.Task) {
	start := time.Now()
	ctx := r.Context()

	// 1. parse body, enforce max body bytes.
	limited := http.MaxBytesReader(w, r.Body, p.maxBodyBytes())
	raw, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "payload_too_large", "request body exceeds the configured maximum", 0)
		return
	}

	var in inboundRequest
	if err := json.Unmarshal(raw, &in); err != nil || in.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body must be valid JSON with a model field", 0)
		return
	}

	// 2. authentication happens in middleware upstream of this handler, which
	// attaches the principal to the context; the scope check is done here.
	principal := middleware.GetPrincipal(ctx)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing_credentials", "authentication required", 0)
		return
	}
	requiredScope := scopeFor(endpoint)
	if !principal.HasScope(requiredScope) {
		writeError(w, http.StatusForbidden, "invalid_request_error", "insufficient_scope", "API key does not permit this operation", 0)
		return
	}

	// 3. rate-limit.
	subject := rateLimitSubject(principal)
	decision := p.Limiter.Admit(subject, 1, nil)
	if !decision.Allowed {
		if p.Metrics != nil {
			p.Metrics.LimiterBlocked.Add(ctx, 1)
		}
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limited", "rate limit exceeded", decision.RetryAfterMs/1000+1)
		return
	}
	if p.Metrics != nil {
		p.Metrics.LimiterAdmitted.Add(ctx, 1)
	}
	defer func() {
		if ctx.Err() != nil {
			p.Limiter.Release(subject, 1)
		}
	}()

	// 4. resolve to upstream.
	entry, err := p.Registry.ResolveTask(in.Model, task)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found", "model not found", 0)
		return
	}
	if p.Metrics != nil {
		p.Metrics.UpstreamSelections.Add(ctx, 1)
	}

	// 5. apply request_defaults overlay; client body fields always win.
	body := raw
	if p.Models != nil {
		if m, merr := p.Models.GetModelByServedName(ctx, in.Model); merr == nil && len(m.RequestDefaults) > 0 {
			body = overlayDefaults(raw, m.RequestDefaults)
		}
	}

	if in.Stream {
		p.handleStream(w, r, endpoint, entry, subject, body, principal, start)
		return
	}
	p.handleBuffered(w, r, endpoint, entry, body, principal, start)
}

func (p *Proxy) maxBodyBytes() int64 {
	if p.MaxBodyBytes > 0 {
		return p.MaxBodyBytes
	}
	return 10 << 20
}

func scopeFor(endpoint string) models.Scope {
	if endpoint == "/v1/embeddings" {
		return models.ScopeEmbeddings
	}
	if endpoint == "/v1/completions" {
		return models.ScopeCompletions
	}
	return models.ScopeChat
}

func rateLimitSubject(p *contracts.Principal) string {
	if p.ApiKeyID != "" {
		return "key:" + p.ApiKeyID
	}
	return "user:" + p.UserID
}

// overlayDefaults merges defaults under any key the client body did not
// itself set. Unknown/malformed bodies are passed through unchanged; the
// overlay is a convenience, never a hard requirement.
func overlayDefaults(raw []byte, defaults map[string]any) []byte {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	for k, v := range defaults {
		if _, present := body[k]; !present {
			body[k] = v
		}
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return merged
}

// handleBuffered implements pipeline steps 7-9 for non-streaming requests,
// including the single-retry-before-any-bytes-written rule.
func (p *Proxy) handleBuffered(w http.ResponseWriter, r *http.Request, endpoint string, entry *registry.Entry, body []byte, principal *contracts.Principal, start time.Time) {
	ctx := r.Context()
	resp, upstreamErr := p.forward(ctx, entry.UpstreamURL+endpoint, body)
	if upstreamErr != nil {
		retryEntry, rerr := p.Registry.ResolveTask(entry.ServedModelName, entry.Task)
		if rerr == nil && retryEntry.ModelID != entry.ModelID {
			resp, upstreamErr = p.forward(ctx, retryEntry.UpstreamURL+endpoint, body)
			entry = retryEntry
		}
	}
	if upstreamErr != nil {
		status, errType, code, retry := classifyEngineError(0, upstreamErr.Error())
		writeError(w, status, errType, code, "upstream request failed", retry)
		p.recordUsage(endpoint, entry, principal, start, 0, nil, 502)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		status, errType, code, retry := classifyEngineError(resp.StatusCode, string(respBody))
		writeError(w, status, errType, code, "upstream error", retry)
		p.recordUsage(endpoint, entry, principal, start, 0, nil, status)
		return
	}

	usage := extractUsage(respBody)
	writeJSON(w, resp.StatusCode, json.RawMessage(respBody))
	p.recordUsage(endpoint, entry, principal, start, 0, usage, resp.StatusCode)
}

// handleStream implements pipeline step 6: open the upstream request,
// acquire a streaming-gate slot, and pipe server-sent events back verbatim,
// cancelling on client disconnect.
func (p *Proxy) handleStream(w http.ResponseWriter, r *http.Request, endpoint string, entry *registry.Entry, subject string, body []byte, principal *contracts.Principal, start time.Time) {
	ctx := r.Context()

	ok, retryAfterMs := p.StreamGate.Acquire(subject)
	if !ok {
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "too_many_concurrent_streams", "too many concurrent streams", retryAfterMs/1000+1)
		return
	}
	streamStart := time.Now()
	defer func() {
		p.StreamGate.Release(subject, time.Since(streamStart))
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming_unsupported", "server does not support streaming", 0)
		return
	}

	resp, entry, err := p.streamRequest(ctx, endpoint, entry, body)
	if err != nil {
		status, errType, code, retry := classifyEngineError(0, err.Error())
		writeError(w, status, errType, code, "upstream request failed", retry)
		p.recordUsage(endpoint, entry, principal, start, 0, nil, 502)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		status, errType, code, retry := classifyEngineError(resp.StatusCode, string(respBody))
		writeError(w, status, errType, code, "upstream error", retry)
		p.recordUsage(endpoint, entry, principal, start, 0, nil, status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	firstByte := true
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			p.recordUsage(endpoint, entry, principal, start, 0, nil, 0)
			return
		default:
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if firstByte {
				firstByte = false
				if p.Metrics != nil {
					p.Metrics.TimeToFirstToken.Record(ctx, float64(time.Since(start).Milliseconds()))
				}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Debug().Err(readErr).Msg("stream read error")
			}
			break
		}
	}
	p.recordUsage(endpoint, entry, principal, start, 0, nil, resp.StatusCode)
}

func (p *Proxy) forward(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.client().Do(req)
}

// streamRequest opens the SSE upstream request, applying the same
// single-retry-before-any-bytes-written rule as handleBuffered (§4.4): no
// response bytes are written to the client until this returns, so a
// transient network failure on the first attempt can still fail over to
// another healthy upstream serving the same task.
func (p *Proxy) streamRequest(ctx context.Context, endpoint string, entry *registry.Entry, body []byte) (*http.Response, *registry.Entry, error) {
	resp, err := p.forwardStream(ctx, entry.UpstreamURL+endpoint, body)
	if err != nil {
		retryEntry, rerr := p.Registry.ResolveTask(entry.ServedModelName, entry.Task)
		if rerr == nil && retryEntry.ModelID != entry.ModelID {
			resp, err = p.forwardStream(ctx, retryEntry.UpstreamURL+endpoint, body)
			entry = retryEntry
		}
	}
	return resp, entry, err
}

func (p *Proxy) forwardStream(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return p.client().Do(req)
}

func (p *Proxy) client() *http.Client {
	if p.UpstreamClient != nil {
		return p.UpstreamClient
	}
	return http.DefaultClient
}

type usageTokens struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type usageEnvelope struct {
	Usage *usageTokens `json:"usage"`
}

func extractUsage(body []byte) *usageTokens {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	return env.Usage
}

// recordUsage appends a UsageRecord asynchronously; it must never block the
// response path (step 8).
func (p *Proxy) recordUsage(endpoint string, entry *registry.Entry, principal *contracts.Principal, start time.Time, ttftMs int64, usage *usageTokens, status int) {
	if p.Usage == nil {
		return
	}
	rec := models.UsageRecord{
		Timestamp:  start,
		Model:      entry.ServedModelName,
		Task:       entry.Task,
		Endpoint:   endpoint,
		LatencyMs:  time.Since(start).Milliseconds(),
		StatusCode: status,
	}
	if principal != nil {
		rec.ApiKeyID = principal.ApiKeyID
		rec.UserID = principal.UserID
		rec.OrgID = principal.OrgID
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	p.Usage.Record(rec)
}
