package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError — structured error returned to callers
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Status    int       `json:"status"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON, stamping path and timestamp.
func (e *APIError) WriteJSON(w http.ResponseWriter, r *http.Request) {
	if r != nil {
		e.Path = r.URL.Path
	}
	e.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrBadRequest(msg string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: msg, Status: http.StatusBadRequest}
}

func ErrValidation(err error) *APIError {
	apiErr := &APIError{Code: "VALIDATION_ERROR", Message: err.Error(), Status: http.StatusBadRequest}
	var ve *ValidationError
	if errors.As(err, &ve) {
		apiErr.Details = ve
	}
	return apiErr
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, Status: http.StatusUnauthorized}
}

func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: msg, Status: http.StatusNotFound}
}

func ErrConflict(msg string) *APIError {
	return &APIError{Code: "CONFLICT", Message: msg, Status: http.StatusConflict}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: msg, Retryable: true, Status: http.StatusInternalServerError}
}

func ErrUnavailable(msg string) *APIError {
	return &APIError{Code: "UNAVAILABLE", Message: msg, Retryable: true, Status: http.StatusServiceUnavailable}
}

func ErrRateLimited() *APIError {
	return &APIError{Code: "RATE_LIMITED", Message: "too many requests", Retryable: true, Status: http.StatusTooManyRequests}
}

// FatalConfigError signals a broken deployment (e.g. the reason catalog is
// missing POLICY_ERROR). Raised on startup or first use, never absorbed.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return "fatal config: " + e.Reason
}
