package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeValidation, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeServiceError maps domain errors onto HTTP responses. Anything not
// recognised is logged and reported as a 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case command.IsValidation(err), isDeviceValidation(err):
		writeValidationError(w, err.Error())
	case errors.Is(err, command.ErrCommandNotFound), errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case command.IsConflict(err), errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, command.ErrSweepInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
		writeInternalError(w, "internal server error")
	}
}

func isDeviceValidation(err error) bool {
	for _, target := range []error{
		device.ErrInvalidDevice,
		device.ErrInvalidName,
		device.ErrInvalidStatus,
		device.ErrInvalidPlatform,
		device.ErrInvalidLocation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
