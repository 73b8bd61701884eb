package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

func parseUsageFilter(r *http.Request) store.UsageFilter {
	q := r.URL.Query()
	f := store.UsageFilter{
		Model:       q.Get("model"),
		Task:        models.Task(q.Get("task")),
		StatusClass: q.Get("status_class"),
		ApiKeyID:    q.Get("api_key_id"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	return f
}

// QueryUsage handles GET /admin/usage: filtered, paginated usage rows,
// newest first (§4.6).
func (h *Handlers) QueryUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	rows, err := h.Usage.Query(r.Context(), parseUsageFilter(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// ExportUsage handles GET /admin/usage/export: the same filters, bounded to
// 50,000 rows, returned as a flat JSON array suitable for download.
func (h *Handlers) ExportUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	rows, err := h.Usage.Export(r.Context(), parseUsageFilter(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "store_error", err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="usage-export.json"`)
	respondJSON(w, http.StatusOK, rows)
}
