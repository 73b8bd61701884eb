package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cortexd/cortex/pkg/models"
)

func healthyUpstream() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return httptest.NewServer(mux)
}

func unhealthyUpstream() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	return httptest.NewServer(mux)
}

func TestPollerProbeSuccessResetsFailureCount(t *testing.T) {
	srv := healthyUpstream()
	defer srv.Close()

	p := NewPoller(New(), PollerConfig{}, nil)
	e := &Entry{RegistryEntry: models.RegistryEntry{
		ModelID: "m1", UpstreamURL: srv.URL,
		Health: models.HealthState{ConsecutiveFailures: 2, BreakerState: models.BreakerClosed},
	}}

	health := p.probe(t.Context(), e)
	assert.True(t, health.OK)
	assert.Zero(t, health.ConsecutiveFailures)
	assert.Equal(t, models.BreakerClosed, health.BreakerState)
}

func TestPollerOpensBreakerAfterThreshold(t *testing.T) {
	srv := unhealthyUpstream()
	defer srv.Close()

	p := NewPoller(New(), PollerConfig{FailureThreshold: 2}, nil)
	e := &Entry{RegistryEntry: models.RegistryEntry{ModelID: "m1", UpstreamURL: srv.URL}}

	h1 := p.probe(t.Context(), e)
	assert.Equal(t, models.BreakerClosed, h1.BreakerState)
	assert.Equal(t, 1, h1.ConsecutiveFailures)

	e.Health = h1
	h2 := p.probe(t.Context(), e)
	assert.Equal(t, models.BreakerOpen, h2.BreakerState)
	assert.Equal(t, 2, h2.ConsecutiveFailures)
}

func TestPollerSkipsProbeDuringCooldown(t *testing.T) {
	srv := healthyUpstream()
	defer srv.Close()

	p := NewPoller(New(), PollerConfig{Cooldown: time.Hour}, nil)
	p.breakerOpenedAt["m1"] = time.Now()

	e := &Entry{RegistryEntry: models.RegistryEntry{
		ModelID: "m1", UpstreamURL: srv.URL,
		Health: models.HealthState{BreakerState: models.BreakerOpen, ConsecutiveFailures: 5},
	}}

	health := p.probe(t.Context(), e)
	assert.Equal(t, models.BreakerOpen, health.BreakerState, "should stay open while cooling down, unprobed")
	assert.Equal(t, 5, health.ConsecutiveFailures)
}

func TestPollerProbesAgainAfterCooldownElapses(t *testing.T) {
	srv := healthyUpstream()
	defer srv.Close()

	p := NewPoller(New(), PollerConfig{Cooldown: time.Millisecond}, nil)
	p.breakerOpenedAt["m1"] = time.Now().Add(-time.Hour)

	e := &Entry{RegistryEntry: models.RegistryEntry{
		ModelID: "m1", UpstreamURL: srv.URL,
		Health: models.HealthState{BreakerState: models.BreakerOpen, ConsecutiveFailures: 5},
	}}

	health := p.probe(t.Context(), e)
	assert.True(t, health.OK)
	assert.Equal(t, models.BreakerClosed, health.BreakerState)
}
