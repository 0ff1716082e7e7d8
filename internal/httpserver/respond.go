// Package httpserver wires the chi router, middleware, and response
// envelope shared by every HTTP-facing package in the scan orchestrator.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope is the top-level wrapper every JSON response carries: a
// locked `{"success": true, "data": ...}` shape on success, or
// `{"success": false, "error": {...}}` on failure.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
}

// Respond writes data wrapped in a success envelope.
func Respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

// RespondRaw writes data with no envelope, for endpoints that intentionally
// sit outside the locked shape (the health checks). /metrics is served by
// promhttp and does not go through this helper.
func RespondRaw(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// ErrorBody is the generic `{code, message}` error shape. Callers needing
// richer bodies (DailyLimitError, RetryLimitError, ValidationErrorResponse)
// write those with RespondErrorBody.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondError writes a generic code/message failure inside the error
// envelope.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: ErrorBody{Code: code, Message: message}})
}

// RespondErrorBody writes an arbitrary structured error body (e.g. a
// DailyLimitError carrying limit/current/upgradeRequired) inside the error
// envelope.
func RespondErrorBody(w http.ResponseWriter, status int, body any) {
	writeJSON(w, status, Envelope{Success: false, Error: body})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
