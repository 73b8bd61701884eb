// Package server provides the public entry point for initializing the
// Cortex inference gateway.
//
// This package lives in pkg/ (not internal/) so downstream binaries can
// import it directly:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"time"

	"net/http"

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
	"github.com/cortexd/cortex/internal/telemetry"
	"github.com/cortexd/cortex/internal/usage"
	"github.com/cortexd/cortex/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Server holds every initialized Cortex component.
type Server struct {
	// Handler is the complete HTTP handler: middleware, proxy, admin API.
	Handler http.Handler

	// Store is the data store (Postgres in production, in-memory for
	// local/dev runs when CORTEX_DATABASE_URL is set to "memory").
	Store store.Store

	// Registry is the live, in-memory model registry the proxy resolves
	// against.
	Registry *registry.Registry

	// Controller drives model lifecycle transitions.
	Controller *lifecycle.Controller

	// Usage is the async usage-accounting meter.
	Usage *usage.Meter

	// Deployment is the export/import job engine.
	Deployment *deployment.Engine

	// AuthChain is the pluggable authentication provider chain: API keys
	// first, then session cookies.
	AuthChain *authn.ProviderChain

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	pollerCancel context.CancelFunc

	// ShutdownFunc flushes telemetry and drains the usage meter. Call on
	// graceful shutdown, after the HTTP server itself has stopped serving.
	ShutdownFunc func(context.Context) error
}

// New initializes a Cortex gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the gateway with an explicit configuration,
// choosing a Postgres-backed store when a database URL is configured and
// falling back to the in-memory store otherwise (local runs, tests).
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	var dataStore store.Store
	if cfg.Database.URL != "" && cfg.Database.URL != "memory" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("postgres store connected")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}
	return NewWithStore(ctx, cfg, dataStore)
}

// NewWithStore initializes the gateway against a caller-supplied store —
// the seam integration tests use to swap in a fresh in-memory store per
// case.
func NewWithStore(ctx context.Context, cfg *config.Config, dataStore store.Store) (*Server, error) {
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var m *metrics.Metrics
	if providers.MeterProvider != nil {
		m = metrics.New(telemetry.Meter(cfg.Telemetry.ServiceName))
	} else {
		m = metrics.Noop()
	}

	reg := registry.New()

	ctrl, err := lifecycle.New(dataStore, containerrt.NewDocker(), reg, cfg.Lifecycle, cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("init lifecycle controller: %w", err)
	}
	if err := ctrl.RebuildRegistry(ctx); err != nil {
		return nil, fmt.Errorf("rebuild registry: %w", err)
	}
	log.Info().Msg("lifecycle controller initialized")

	poller := registry.NewPoller(reg, registry.PollerConfig{
		Interval:         cfg.Proxy.HealthPollInterval,
		ProbeTimeout:     cfg.Proxy.HealthProbeTimeout,
		FailureThreshold: cfg.Proxy.BreakerFailureThreshold,
		Cooldown:         cfg.Proxy.BreakerCooldown,
		EntryTTL:         cfg.Proxy.RegistryEntryTTL,
	}, m)
	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	go poller.Run(pollerCtx)
	log.Info().Msg("registry poller started")

	limiter := ratelimit.New(ratelimit.Options{
		RPS:       float64(cfg.RateLimit.DefaultRPS),
		Burst:     cfg.RateLimit.DefaultBurst,
		WindowSec: 1,
	}, cfg.RateLimit.FailOpen)
	streamGate := ratelimit.NewStreamGate(cfg.RateLimit.MaxConcurrentStreamsPerID)

	usageMeter := usage.New(dataStore, m)
	log.Info().Msg("usage meter started")

	depEngine := deployment.New(dataStore, ctrl, cfg.Deployment, cfg.Lifecycle)

	authChain := authn.NewProviderChain()
	authChain.RegisterProvider(authn.NewAPIKeyProvider(dataStore, 1))
	authChain.RegisterProvider(authn.NewSessionProvider(dataStore))
	log.Info().Msg("auth provider chain initialized (api key, session)")

	h := handlers.New(dataStore, reg, ctrl, usageMeter, depEngine)

	p := &proxy.Proxy{
		Registry:          reg,
		Limiter:           limiter,
		StreamGate:        streamGate,
		Models:            dataStore,
		Usage:             usageMeter,
		Metrics:           m,
		MaxBodyBytes:      cfg.Proxy.MaxBodyBytes,
		RequestTimeout:    cfg.Proxy.RequestTimeout,
		StreamIdleTimeout: cfg.Proxy.StreamIdleTimeout,
		UpstreamClient:    &http.Client{Timeout: cfg.Proxy.RequestTimeout},
	}

	var authChainIface contracts.AuthProviderChain
	if !cfg.Dev.AuthBypass {
		authChainIface = authChain
	} else {
		log.Warn().Msg("CORTEX_DEV_AUTH_BYPASS set — authentication middleware disabled")
	}
	router := api.NewRouter(cfg, h, p, authChainIface)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     reg,
		Controller:   ctrl,
		Usage:        usageMeter,
		Deployment:   depEngine,
		AuthChain:    authChain,
		Config:       cfg,
		Port:         cfg.Port,
		pollerCancel: pollerCancel,
		ShutdownFunc: providers.Shutdown,
	}, nil
}

// Shutdown stops the registry poller and usage meter and flushes
// telemetry. The store itself is closed separately by the caller, which
// owns its lifetime.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.pollerCancel != nil {
		s.pollerCancel()
	}
	if s.Usage != nil {
		if err := s.Usage.Close(); err != nil {
			log.Warn().Err(err).Msg("usage meter close failed")
		}
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
