package api

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/auth"
	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/webhook"
)

// errBadRequest marks request bodies and parameters that could not be decoded
var errBadRequest = errors.New("bad request")

// Error kinds reported in the error body
const (
	kindValidation   = "validation_error"
	kindNotFound     = "not_found"
	kindUnauthorized = "unauthorized"
	kindSignature    = "signature_error"
	kindReplay       = "replay_detected"
	kindRateLimited  = "rate_limited"
	kindInternal     = "internal_error"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: kind, Message: message})
}

// classify maps an error onto an HTTP status and error kind
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), scheduler.IsValidation(err), errors.Is(err, webhook.ErrValidation):
		return http.StatusBadRequest, kindValidation
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, webhook.ErrSignature):
		return http.StatusUnauthorized, kindSignature
	case errors.IsAny(err, auth.ErrInvalidCredentials, auth.ErrInvalidToken):
		return http.StatusUnauthorized, kindUnauthorized
	case errors.Is(err, webhook.ErrReplay):
		return http.StatusConflict, kindReplay
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

// respondError writes err as a structured error. Internal errors are logged
// and, in production, replaced by a generic message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := classify(err)
	message := err.Error()

	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if s.production {
			message = "internal server error"
		}
	}
	switch kind {
	case kindSignature:
		message = "invalid webhook signature"
	case kindUnauthorized:
		message = "authentication required"
		if errors.Is(err, auth.ErrInvalidCredentials) {
			message = "invalid email or password"
		}
	}

	writeError(w, code, kind, message)
}
