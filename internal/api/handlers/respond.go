// Package handlers provides the HTTP API of the reminder service.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/inbound"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, reminder.ErrInvalidMedicine),
		errors.Is(err, reminder.ErrInvalidSchedule),
		errors.Is(err, inbound.ErrInvalidMessage):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, reminder.ErrConflict):
		jsonError(w, "concurrent update, retry", http.StatusConflict)
	case errors.Is(err, engine.ErrUnknownPass):
		jsonError(w, err.Error(), http.StatusNotFound)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
