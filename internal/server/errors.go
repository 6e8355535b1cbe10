package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Rutomatrix/scriptd/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

// status maps domain errors to HTTP status codes. Failures of the OS or the
// hardware are checked first, a unit operation failing on a missing unit is
// still a failed operation.
func status(err error) int {
	switch {
	case errors.Is(err, model.ErrUnitOperationFailed), errors.Is(err, model.ErrBindFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotExecutable):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, model.ErrStackBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)
	level := slog.LevelWarn
	if code >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request failed", "status", code, "error", err)
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}
