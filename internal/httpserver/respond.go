package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Envelope is the standard success response shape: {success, data}. Some
// endpoints substitute a more specific key (batch, result, pagination)
// alongside success, built ad hoc by the handler via RespondRaw.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// Respond writes data wrapped in the standard {success, data} envelope.
func Respond(w http.ResponseWriter, status int, data any) {
	RespondRaw(w, status, Envelope{Success: status < 400, Data: data})
}

// PaginatedEnvelope is the {success, data, pagination} shape used by
// offset-paginated list endpoints (e.g. GET /batch-view).
type PaginatedEnvelope struct {
	Success    bool `json:"success"`
	Data       any  `json:"data"`
	Pagination any  `json:"pagination"`
}

// RespondPaginated writes an offset-paginated list response.
func RespondPaginated(w http.ResponseWriter, items any, pagination any) {
	RespondRaw(w, http.StatusOK, PaginatedEnvelope{Success: true, Data: items, Pagination: pagination})
}

// RespondRaw writes v as-is with the given status code, for handlers that
// need a response shape other than {success, data} (e.g. {success, batch}).
func RespondRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorKind enumerates the stable error taxonomy strings surfaced to callers.
type ErrorKind string

const (
	ErrorValidation    ErrorKind = "validation"
	ErrorAuth          ErrorKind = "auth"
	ErrorFeatureOff    ErrorKind = "feature-disabled"
	ErrorOutsideHours  ErrorKind = "outside-business-hours"
	ErrorInsufficient  ErrorKind = "insufficient-credits"
	ErrorRateLimited   ErrorKind = "rate-limited"
	ErrorNoProvider    ErrorKind = "no-provider"
	ErrorProviderFail  ErrorKind = "provider-failed"
	ErrorNotFound      ErrorKind = "not-found"
	ErrorConflict      ErrorKind = "conflict"
	ErrorInternal      ErrorKind = "internal"
	ErrorInvalidSchema ErrorKind = "invalid-schema"
	ErrorUnavailable   ErrorKind = "unavailable"
)

// APIError is the standard JSON error envelope: {success: false, error: {...}}.
type APIError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Details any       `json:"details,omitempty"`
}

// ErrorResponse wraps APIError in the top-level success envelope.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Error   APIError `json:"error"`
}

// RespondError writes a JSON error response in the standard envelope.
func RespondError(w http.ResponseWriter, status int, kind ErrorKind, message string) {
	RespondErrorDetails(w, status, kind, message, nil)
}

// RespondErrorDetails writes a JSON error response with structured detail
// (e.g. {required, available, needed} for insufficient-credits).
func RespondErrorDetails(w http.ResponseWriter, status int, kind ErrorKind, message string, details any) {
	RespondRaw(w, status, ErrorResponse{
		Success: false,
		Error: APIError{
			Kind:    kind,
			Message: message,
			Details: details,
		},
	})
}
