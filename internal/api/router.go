// Package api wires the chi router: the global middleware chain, the
// public OpenAI-compatible surface, the admin API, and an optional
// dashboard SPA fallback.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cortexd/cortex/internal/api/handlers"
	"github.com/cortexd/cortex/internal/api/middleware"
	"github.com/cortexd/cortex/internal/config"
	"github.com/cortexd/cortex/internal/proxy"
	"github.com/cortexd/cortex/pkg/contracts"
)

// NewRouter builds the complete HTTP handler: the global middleware stack,
// the proxy's OpenAI-compatible routes, the registry listings, the admin
// API, and session auth — plus an optional dashboard fallback.
func NewRouter(cfg *config.Config, h *handlers.Handlers, p *proxy.Proxy, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain)
		r.Use(authMW.Handler)
	}

	corsOrigins := parseCORSOrigins(cfg)
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard, // wildcard origins must never carry credentials
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// OpenAI-compatible surface (§6), scope-checked inside the proxy itself.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", p.ChatCompletions)
		r.Post("/completions", p.Completions)
		r.Post("/embeddings", p.Embeddings)
		r.Get("/models", h.ListModels)
		r.Get("/models/status", h.ModelsStatus)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Delete("/{id}", h.DeleteUser)
		})

		r.Route("/orgs", func(r chi.Router) {
			r.Get("/", h.ListOrgs)
			r.Post("/", h.CreateOrg)
			r.Delete("/{id}", h.DeleteOrg)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", h.ListKeys)
			r.Post("/", h.CreateKey)
			r.Get("/me", h.ListMyKeys)
			r.Post("/{id}/revoke", h.RevokeKey)
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModelsAdmin)
			r.Post("/", h.CreateModel)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetModelAdmin)
				r.Patch("/", h.UpdateModel)
				r.Delete("/", h.DeleteModel)
				r.Post("/start", h.StartModel)
				r.Post("/stop", h.StopModel)
				r.Post("/test", h.TestModel)
				r.Get("/logs", h.ModelLogs)
				r.Post("/dry-run", h.DryRunModel)
			})
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", h.QueryUsage)
			r.Get("/export", h.ExportUsage)
		})

		r.Route("/deployment", func(r chi.Router) {
			r.Post("/export", h.ExportDeployment)
			r.Post("/import-db", h.ImportDeploymentDB)
			r.Post("/import-model", h.ImportDeploymentModel)
			r.Get("/status", h.DeploymentStatus)
		})
	})

	if dashboardDir := findDashboardDir(); dashboardDir != "" {
		fileServer := http.FileServer(http.Dir(dashboardDir))
		r.Get("/dashboard/*", func(w http.ResponseWriter, req *http.Request) {
			path := filepath.Join(dashboardDir, strings.TrimPrefix(req.URL.Path, "/dashboard/"))
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, req, filepath.Join(dashboardDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, req)
		})
	}

	return r
}

// parseCORSOrigins reads allowed origins from config, defaulting to a
// wildcard (safe only because AllowCredentials is then forced off above).
func parseCORSOrigins(cfg *config.Config) []string {
	if len(cfg.CORS.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORS.AllowedOrigins
}

// findDashboardDir looks for a built dashboard UI in a few conventional
// locations. Cortex ships no dashboard of its own; this only activates
// when an operator drops one in alongside the binary.
func findDashboardDir() string {
	candidates := []string{}
	if envDir := os.Getenv("CORTEX_DASHBOARD_DIR"); envDir != "" {
		candidates = append(candidates, envDir)
	}
	candidates = append(candidates, "dashboard/dist")

	for _, dir := range candidates {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			if _, err := os.Stat(filepath.Join(abs, "index.html")); err == nil {
				return abs
			}
		}
	}
	return ""
}
