package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/SAI09992/scrs/internal/domain"
	"github.com/SAI09992/scrs/internal/repository"
	"github.com/SAI09992/scrs/internal/service/admin"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps a service error onto the HTTP error taxonomy.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// classify returns the status code and error kind for err.
func classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "ok"
	case errors.Is(err, admin.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, domain.ErrDeviceLimit):
		return http.StatusConflict, "device_limit"
	case errors.Is(err, domain.ErrFull):
		return http.StatusConflict, "full"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, domain.ErrWindowClosed):
		return http.StatusLocked, "window_closed"
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	case repository.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
