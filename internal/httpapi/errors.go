package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"dictd/internal/client"
	"dictd/internal/supervisor"
	"dictd/internal/wire"
	"dictd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps control-plane errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrBadDecision):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case supervisor.IsModelNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrNoPendingDecision),
		errors.Is(err, supervisor.ErrSessionBusy):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, wire.ErrFrameTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, client.ErrSendQueueFull):
		IncrementBackpressure("send_queue_full")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, client.ErrWorkerLost),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrShuttingDown):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var he HTTPError
		if errors.As(err, &he) {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
