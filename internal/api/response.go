package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/flow"
	"github.com/BTreeMap/FormPipe/internal/form"
	"github.com/BTreeMap/FormPipe/internal/lock"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
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
	// Marshal first so encoding errors surface before headers are written
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

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var checkErr *form.CheckError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.As(err, &checkErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrSlugTaken),
		errors.Is(err, engine.ErrFormNotPublished),
		errors.Is(err, form.ErrPublishedImmutable),
		errors.Is(err, flow.ErrInvalidSessionState),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, flow.ErrStrategyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lock.ErrLockAcquire):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes the error envelope. Internal errors are not echoed to clients.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error(op+": request failed", "error", err)
		message = "Internal server error"
	} else {
		slog.Warn(op+": request rejected", "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.Error(message))
}
