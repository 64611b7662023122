// Package httpserver contains the HTTP handlers and middleware for the
// advice API. It keeps HTTP concerns out of the pipeline services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skillforge/coachline/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidCredential):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotConfigured):
		code = http.StatusConflict
		codeStr = "NOT_CONFIGURED"
	case errors.Is(err, domain.ErrTimedOut):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrParseFailed), errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrNoContent):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_MALFORMED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
