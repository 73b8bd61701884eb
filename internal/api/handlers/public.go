package handlers

import (
	"net/http"
	"sort"
)

type modelSummary struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelListResponse struct {
	Object string         `json:"object"`
	Data   []modelSummary `json:"data"`
}

// ListModels handles GET /v1/models: the set of currently resolvable served
// names, OpenAI-shaped. Order is sorted by name so repeated calls that did
// not change registry state return an identical ordering (§8 property 13).
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.Registry.Snapshot()
	seen := make(map[string]bool, len(entries))
	var names []string
	for _, e := range entries {
		if !seen[e.ServedModelName] {
			seen[e.ServedModelName] = true
			names = append(names, e.ServedModelName)
		}
	}
	sort.Strings(names)

	data := make([]modelSummary, len(names))
	for i, n := range names {
		data[i] = modelSummary{ID: n, Object: "model"}
	}
	respondJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelStatusEntry struct {
	ServedModelName string `json:"served_model_name"`
	ModelID         string `json:"model_id"`
	Task            string `json:"task"`
	Engine          string `json:"engine"`
	Healthy         bool   `json:"healthy"`
	BreakerState    string `json:"breaker_state"`
}

// ModelsStatus handles GET /v1/models/status: per-entry health, intended
// for unauthenticated status panels (§6).
func (h *Handlers) ModelsStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.Registry.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServedModelName < entries[j].ServedModelName })

	out := make([]modelStatusEntry, len(entries))
	for i, e := range entries {
		out[i] = modelStatusEntry{
			ServedModelName: e.ServedModelName,
			ModelID:         e.ModelID,
			Task:            string(e.Task),
			Engine:          string(e.Engine),
			Healthy:         e.Health.OK,
			BreakerState:    string(e.Health.BreakerState),
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// Health handles GET /health: liveness. It pings the store and always
// answers 200; an unreachable store is reported in the body as status
// "degraded" with store false. There is no separate readiness route.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	storeOK := true
	if err := h.Store.Ping(r.Context()); err != nil {
		storeOK = false
	}
	if !storeOK {
		status = "degraded"
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"store":  storeOK,
	})
}
