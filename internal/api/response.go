// Package api provides HTTP response utilities for TimerPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeEngineError maps an engine error onto an HTTP status. result is
// returned alongside persistence failures, whose change was applied in memory.
func writeEngineError(w http.ResponseWriter, handler string, err error, result interface{}) {
	switch {
	case errors.Is(err, models.ErrValidation):
		slog.Warn("Server."+handler+": validation failed", "error", err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
	case errors.Is(err, models.ErrNotFound):
		slog.Debug("Server."+handler+": timer not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Timer not found"))
	case errors.Is(err, models.ErrInvalidTransition):
		slog.Debug("Server."+handler+": invalid transition", "error", err)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, models.ErrPersistence):
		slog.Error("Server."+handler+": change applied but not saved", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError,
			models.ErrorWithResult("Change applied in memory but could not be saved; it will be retried", result))
	default:
		slog.Error("Server."+handler+": unexpected error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
