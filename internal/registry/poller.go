package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cortexd/cortex/internal/metrics"
	"github.com/cortexd/cortex/pkg/models"
	"github.com/rs/zerolog/log"
)

// PollerConfig carries the tunables named in §4.3/§5.
type PollerConfig struct {
	Interval          time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int // N consecutive failures before the breaker opens
	Cooldown          time.Duration // C: time before an open breaker tries half-open
	EntryTTL          time.Duration // freshness TTL; stale successful probes count as unhealthy
}

// Poller runs the background health-check loop. It never blocks Resolve();
// it only ever calls Registry.UpdateHealth, which is a copy-on-write swap.
type Poller struct {
	reg     *Registry
	cfg     PollerConfig
	client  *http.Client
	metrics *metrics.Metrics

	// breakerOpenedAt tracks, per model id, when the breaker most recently
	// opened, so the poller knows when cooldown C has elapsed.
	breakerOpenedAt map[string]time.Time
}

func NewPoller(reg *Registry, cfg PollerConfig, m *metrics.Metrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Poller{
		reg:             reg,
		cfg:             cfg,
		client:          &http.Client{Timeout: cfg.ProbeTimeout},
		metrics:         m,
		breakerOpenedAt: make(map[string]time.Time),
	}
}

// Run is the long-lived background task owned by the process root. It
// exits when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, e := range p.reg.EntriesForPoll() {
		health := p.probe(ctx, e)
		p.reg.UpdateHealth(e.ModelID, health)
	}
}

// probe issues the liveness and readiness checks for one entry and
// computes its next health state per the breaker rules in §4.3.
func (p *Poller) probe(ctx context.Context, e *Entry) models.HealthState {
	h := e.Health
	now := time.Now()
	if h.BreakerState == "" {
		h.BreakerState = models.BreakerClosed
	}

	if h.BreakerState == models.BreakerOpen {
		openedAt, cooling := p.breakerOpenedAt[e.ModelID]
		if cooling && now.Sub(openedAt) < p.cfg.Cooldown {
			// Still cooling down; skip the probe entirely.
			return h
		}
		// Cooldown elapsed: move to half-open and let this one probe decide
		// whether the breaker closes or re-opens. Written through immediately
		// so the transition is externally observable while the probe runs.
		h.BreakerState = models.BreakerHalfOpen
		p.reg.UpdateHealth(e.ModelID, h)
	}

	ok := p.livenessAndReadiness(ctx, e)

	if ok {
		if p.metrics != nil {
			p.metrics.ProbeSuccess.Add(ctx, 1)
		}
		h.OK = true
		h.LastCheckAt = now
		h.ConsecutiveFailures = 0
		h.BreakerState = models.BreakerClosed
		delete(p.breakerOpenedAt, e.ModelID)
		return h
	}

	if p.metrics != nil {
		p.metrics.ProbeFailure.Add(ctx, 1)
	}
	h.OK = false
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= p.cfg.FailureThreshold {
		if h.BreakerState != models.BreakerOpen {
			p.breakerOpenedAt[e.ModelID] = now
		}
		h.BreakerState = models.BreakerOpen
	}
	return h
}

// livenessAndReadiness issues a short-timeout GET to the liveness path and
// a readiness path (served-model list). Both must succeed.
func (p *Poller) livenessAndReadiness(ctx context.Context, e *Entry) bool {
	op := func() error {
		if err := p.getOK(ctx, e.UpstreamURL+"/health"); err != nil {
			return err
		}
		return p.getOK(ctx, e.UpstreamURL+"/v1/models")
	}

	// A single retry with a short backoff absorbs a transient blip without
	// immediately flipping a healthy entry to unhealthy.
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 1)
	if err := backoff.Retry(op, b); err != nil {
		log.Debug().Str("model_id", e.ModelID).Str("upstream", e.UpstreamURL).Err(err).Msg("health probe failed")
		return false
	}

	// TTL freshness: even a successful probe doesn't help if the entry has
	// been silently stale (defensive; in-process probes always refresh
	// LastCheckAt, so this mainly guards entries freshly inserted from a
	// restart before their first probe has run).
	if p.cfg.EntryTTL > 0 && !e.Health.LastCheckAt.IsZero() && time.Since(e.Health.LastCheckAt) > p.cfg.EntryTTL {
		return false
	}
	return true
}

func (p *Poller) getOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &unhealthyStatusError{status: resp.StatusCode}
	}
	return nil
}

type unhealthyStatusError struct{ status int }

func (e *unhealthyStatusError) Error() string {
	return http.StatusText(e.status)
}
