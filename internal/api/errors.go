package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/infn-epics/pshal/internal/beamline"
	"github.com/infn-epics/pshal/internal/channel"
	"github.com/infn-epics/pshal/internal/powersupply"
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
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeTimeout      = "timeout"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeUnsupported  = "unsupported_operation"
	ErrCodeFaulted      = "faulted"
	ErrCodeReadOnly     = "read_only"
	ErrCodeDriverFailed = "driver_error"
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

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps supply, fleet and channel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, beamline.ErrUnknownSupply), errors.Is(err, beamline.ErrUnknownPoint):
		writeNotFound(w, err.Error())
	case errors.Is(err, powersupply.ErrValidation), errors.Is(err, powersupply.ErrInvalidParam):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, powersupply.ErrUnsupportedOperation):
		writeError(w, http.StatusBadRequest, ErrCodeUnsupported, err.Error())
	case errors.Is(err, channel.ErrReadOnly):
		writeError(w, http.StatusBadRequest, ErrCodeReadOnly, err.Error())
	case errors.Is(err, powersupply.ErrFaulted), errors.Is(err, powersupply.ErrStopped):
		writeError(w, http.StatusConflict, ErrCodeFaulted, err.Error())
	case errors.Is(err, powersupply.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeDriverFailed, err.Error())
	}
}
