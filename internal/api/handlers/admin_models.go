package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cortexd/cortex/pkg/models"
)

// ListModelsAdmin handles GET /admin/models: every managed model row,
// regardless of lifecycle state (unlike the public /v1/models listing).
func (h *Handlers) ListModelsAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	list, err := h.Store.ListModels(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// GetModelAdmin handles GET /admin/models/{id}.
func (h *Handlers) GetModelAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	m, err := h.Store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// CreateModel handles POST /admin/models: registers a new model row in the
// stopped state. Creation never starts a container (§4.5).
func (h *Handlers) CreateModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var m models.Model
	if err := decodeJSON(r, &m); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body must be valid JSON")
		return
	}
	if m.Name == "" || m.ServedModelName == "" || m.Engine == "" || m.Task == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "missing_field", "name, served_model_name, engine, and task are required")
		return
	}
	m.ID = uuid.New().String()

	if err := h.Controller.Create(r.Context(), &m); err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// UpdateModel handles PATCH /admin/models/{id}: a partial field update,
// applied by the lifecycle controller whatever the model's current state.
func (h *Handlers) UpdateModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var patch map[string]any
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "request body must be valid JSON")
		return
	}
	updated, err := h.Controller.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request_error", "update_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteModel handles DELETE /admin/models/{id}: refused while the model is
// running or starting (§4.5 edge case).
func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Controller.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusConflict, "invalid_request_error", "delete_rejected", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartModel handles POST /admin/models/{id}/start.
func (h *Handlers) StartModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Controller.Start(r.Context(), id); err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusConflict, "invalid_request_error", "start_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopModel handles POST /admin/models/{id}/stop.
func (h *Handlers) StopModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Controller.Stop(r.Context(), id); err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusConflict, "invalid_request_error", "stop_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// TestModel handles POST /admin/models/{id}/test: a synchronous liveness
// probe against the running container, independent of the poller's cadence.
func (h *Handlers) TestModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Controller.Test(r.Context(), id); err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", "test_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ModelLogs handles GET /admin/models/{id}/logs?tail=N.
func (h *Handlers) ModelLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}
	logs, err := h.Controller.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "logs_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// DryRunModel handles POST /admin/models/{id}/dry-run: validates the
// model's configuration against engine-specific conflict rules without
// creating a container (§4.5).
func (h *Handlers) DryRunModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	result, err := h.Controller.DryRun(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			notFound(w, "model")
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "dry_run_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
