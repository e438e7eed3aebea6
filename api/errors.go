package api

import (
	"errors"
	"net/http"

	"github.com/warp/cultivation-engine/cultivation"
)

// statusFor maps an engine error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cultivation.ErrValidationFailed):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, cultivation.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, cultivation.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, cultivation.ErrTerminalStage):
		return http.StatusConflict, "terminal_stage"
	case errors.Is(err, cultivation.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, cultivation.ErrDuplicateKey):
		return http.StatusConflict, "duplicate_key"
	case errors.Is(err, cultivation.ErrCycleDetected):
		return http.StatusConflict, "cycle_detected"
	case errors.Is(err, cultivation.ErrApprovalRequired):
		return http.StatusForbidden, "approval_required"
	case errors.Is(err, cultivation.ErrPreconditionFailed):
		return http.StatusUnprocessableEntity, "precondition_failed"
	case errors.Is(err, cultivation.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, cultivation.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, "concurrency_conflict"
	case errors.Is(err, cultivation.ErrIntegrityViolation):
		return http.StatusInternalServerError, "integrity_violation"
	}
	return http.StatusInternalServerError, "internal"
}

// errorDetails extracts the structured part of an engine error, if any.
func errorDetails(err error) any {
	var (
		limit   *cultivation.LimitExceededError
		pre     *cultivation.PreconditionError
		appr    *cultivation.ApprovalRequiredError
		invalid *cultivation.ValidationError
	)
	switch {
	case errors.As(err, &limit):
		return toLimitDTO(limit)
	case errors.As(err, &pre):
		return map[string]any{"missing": pre.Missing}
	case errors.As(err, &appr):
		return map[string]any{"required_role": appr.RequiredRole}
	case errors.As(err, &invalid):
		return map[string]any{"field": invalid.Field}
	}
	return nil
}

// writeEngineError renders err with its mapped status. Server-side failures
// are logged and hidden from the client.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Details: errorDetails(err)}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}
