// Package api serves the delivery core over HTTP. Errors are rendered as
// RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/slrpd/pkg/approval"
	"github.com/Mindburn-Labs/slrpd/pkg/service"
	"github.com/Mindburn-Labs/slrpd/pkg/statemachine"
)

// ProblemDetail is an RFC 7807 problem document.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem document for the request.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:     "https://slrpd.dev/errors/" + strconv.Itoa(status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "request rate limit exceeded")
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, approval.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrActionNotAllowed), errors.Is(err, service.ErrFaultInjectionDisabled):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, approval.ErrApprovalNotPending),
		errors.Is(err, approval.ErrSessionNotInDeliver),
		errors.Is(err, statemachine.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, approval.ErrExecutorFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnauthorizedApprover):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err. Internal errors are logged, never exposed.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		WriteError(w, r, status, "an unexpected error occurred")
		return
	}
	WriteError(w, r, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
