package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorKind names a failure class visible to API callers.
type ErrorKind string

const (
	KindCSRFMismatch            ErrorKind = "csrf_mismatch"
	KindUpstreamExchange        ErrorKind = "upstream_exchange_failure"
	KindInvalidIdentityToken    ErrorKind = "invalid_identity_token"
	KindUnauthenticated         ErrorKind = "unauthenticated"
	KindInsufficientPermissions ErrorKind = "insufficient_permissions"
	KindIdempotencyKeyRequired  ErrorKind = "idempotency_key_required"
	KindDuplicateRequest        ErrorKind = "duplicate_request"
	KindResourceNotFound        ErrorKind = "resource_not_found"
	KindInternal                ErrorKind = "internal_error"
)

// Error is the outward error taxonomy. Kind and Status are what the client
// sees; Err carries the underlying cause for logs only.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and status so wrapped causes do not affect identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Status == t.Status
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// Outward errors. Missing and invalid session tokens share a kind but map to
// different statuses.
var (
	ErrCSRFMismatch            = &Error{Kind: KindCSRFMismatch, Status: http.StatusForbidden, Message: "Invalid state parameter"}
	ErrUpstreamExchange        = &Error{Kind: KindUpstreamExchange, Status: http.StatusBadGateway, Message: "Token exchange with identity provider failed"}
	ErrInvalidIdentityToken    = &Error{Kind: KindInvalidIdentityToken, Status: http.StatusForbidden, Message: "Failed to decode ID token"}
	ErrMissingToken            = &Error{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Message: "Authorization token required"}
	ErrInvalidToken            = &Error{Kind: KindUnauthenticated, Status: http.StatusForbidden, Message: "Invalid or expired token"}
	ErrInsufficientPermissions = &Error{Kind: KindInsufficientPermissions, Status: http.StatusForbidden, Message: "Insufficient permissions"}
	ErrIdempotencyKeyRequired  = &Error{Kind: KindIdempotencyKeyRequired, Status: http.StatusBadRequest, Message: "Idempotency-Key header required"}
	ErrDuplicateRequest        = &Error{Kind: KindDuplicateRequest, Status: http.StatusConflict, Message: "Duplicate request detected"}
	ErrResourceNotFound        = &Error{Kind: KindResourceNotFound, Status: http.StatusNotFound, Message: "User not found"}
	ErrIdempotencyUnavailable  = &Error{Kind: KindInternal, Status: http.StatusServiceUnavailable, Message: "Idempotency registry unavailable"}
	ErrInternal                = &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "Internal server error"}
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string    `json:"error"`
	Code  ErrorKind `json:"code"`
}

// writeError renders err using the taxonomy; unknown errors become 500.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = ErrInternal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: apiErr.Message, Code: apiErr.Kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
