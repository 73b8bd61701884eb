package handlers

import (
	"net/http"

	"github.com/cortexd/cortex/internal/deployment"
)

// ExportDeployment handles POST /admin/deployment/export: starts an async
// export job and returns its initial (pending/running) record. A second
// call while one job is active is rejected (§4.8 singleton rule).
func (h *Handlers) ExportDeployment(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var opts deployment.ExportOptions
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &opts); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "malformed export options")
			return
		}
	}
	job, err := h.Deployment.Export(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusConflict, "invalid_request_error", "job_conflict", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// ImportDeploymentDB handles POST /admin/deployment/import-db.
func (h *Handlers) ImportDeploymentDB(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var opts deployment.ImportDBOptions
	if err := decodeJSON(r, &opts); err != nil || opts.SourceDir == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "source_dir is required")
		return
	}
	job, err := h.Deployment.ImportDB(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusConflict, "invalid_request_error", "job_conflict", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// ImportDeploymentModel handles POST /admin/deployment/import-model.
func (h *Handlers) ImportDeploymentModel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var opts deployment.ImportModelOptions
	if err := decodeJSON(r, &opts); err != nil || opts.SourceDir == "" || opts.ManifestFile == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "source_dir and manifest_file are required")
		return
	}
	job, err := h.Deployment.ImportModel(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusConflict, "invalid_request_error", "job_conflict", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

// DeploymentStatus handles GET /admin/deployment/status: the currently
// active job, or a null body when no job is active. A job that has
// finished is no longer reported here.
func (h *Handlers) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	job, err := h.Deployment.Status(r.Context())
	if err != nil {
		if isNotFound(err) {
			respondJSON(w, http.StatusOK, nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}
