// Package api provides the HTTP surfaces of the catalog and mirror services.
// Each endpoint is a thin wrapper: book creation and deletion trigger push
// propagation, the listing endpoints trigger request/reply forwarding, and
// the borrow endpoints run the mirror's local workflow.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope provides a consistent JSON response structure.
type Envelope struct {
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	envelope := Envelope{
		Success: status < 400,
		Data:    data,
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil && logger != nil {
		logger.Error("encode response failed", "error", err)
	}
}

// Error writes an error response with the given status code.
func Error(w http.ResponseWriter, status int, message string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	envelope := Envelope{
		Success: false,
		Error:   message,
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil && logger != nil {
		logger.Error("encode error response failed", "error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
