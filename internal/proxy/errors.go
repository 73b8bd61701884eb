package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// apiError is the OpenAI-compatible nested error envelope every proxy
// response failure is normalized to, per §4.4 step 9.
type apiError struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

// writeError writes the nested error envelope and, when retryAfterSec > 0,
// a matching Retry-After header.
func writeError(w http.ResponseWriter, status int, errType, code, message string, retryAfterSec int64) {
	if retryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorEnvelope{Error: apiError{
		Message:    message,
		Type:       errType,
		Code:       code,
		RetryAfter: retryAfterSec,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classifyEngineError maps an upstream engine's error body/status to the
// normalized (status, type, code, retryAfterSec) quadruple described in
// §4.4 step 9. bodySubstr is the raw upstream response body, lowercased
// substrings of which drive the classification.
func classifyEngineError(status int, bodySubstr string) (int, string, string, int64) {
	body := strings.ToLower(bodySubstr)
	switch {
	case status == 503 && strings.Contains(body, "loading model"):
		return http.StatusServiceUnavailable, "service_unavailable", "model_loading", 5
	case strings.Contains(body, "slot unavailable") || strings.Contains(body, "no slot"):
		return http.StatusServiceUnavailable, "service_unavailable", "no_slot_available", 2
	case strings.Contains(body, "context length") || strings.Contains(body, "context window") || strings.Contains(body, "maximum context"):
		return http.StatusBadRequest, "invalid_request_error", "context_length_exceeded", 0
	case status >= 500:
		return http.StatusInternalServerError, "server_error", "engine_error", 0
	case status == 0:
		return http.StatusBadGateway, "server_error", "upstream_unreachable", 0
	default:
		return status, "invalid_request_error", "", 0
	}
}
