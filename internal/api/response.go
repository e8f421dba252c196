package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CheckIn/internal/flow"
	"github.com/BTreeMap/CheckIn/internal/models"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
	"github.com/BTreeMap/CheckIn/internal/signal"
	"github.com/BTreeMap/CheckIn/internal/store"
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
	// Marshal first so an encoding error can still change the status code
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

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, flow.ErrSessionClosed):
		return http.StatusConflict, "Session is closed"
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrTurnConflict):
		return http.StatusConflict, "Session was modified concurrently, please retry"
	case errors.Is(err, signal.ErrMalformedUpstreamOutput):
		return http.StatusUnprocessableEntity, "Upstream output is missing the transcript"
	case errors.Is(err, reconcile.ErrOracleUnavailable):
		return http.StatusServiceUnavailable, "Language model unavailable, please retry"
	case errors.Is(err, signal.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "Transcription or vision service unavailable, please retry"
	case errors.Is(err, flow.ErrLockTimeout):
		return http.StatusServiceUnavailable, "Session is busy, please retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeServiceError logs err and writes the mapped error envelope.
func writeServiceError(w http.ResponseWriter, handler string, err error, attrs ...any) {
	status, msg := statusFor(err)
	attrs = append(attrs, "status", status, "error", err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", attrs...)
	} else {
		slog.Warn("Server."+handler+": request rejected", attrs...)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
