package models

import (
	"errors"
	"net/http"
)

// ErrorResponse is the JSON envelope returned for every request-path failure.
// Internal stack traces are never included.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// NewErrorResponse creates a new error response envelope
func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	}
}

// Machine-readable error codes
const (
	ErrCodeInvalidConsentValue  = "INVALID_CONSENT_VALUE"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodePersistenceFailure   = "PERSISTENCE_FAILURE"
	ErrCodeAuditMirrorFailure   = "AUDIT_MIRROR_FAILURE"
	ErrCodeConfigurationInvalid = "CONFIGURATION_INVALID"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// Sentinel errors surfaced by the service layer. Handlers translate these to
// status codes via HTTPStatusForError.
var (
	ErrInvalidConsentValue = errors.New("consent value must be \"accepted\" or \"declined\"")
	ErrNotFound            = errors.New("record not found")
	ErrNoConsentHistory    = errors.New("no consent history for user")
)

// HTTPStatusForErrorCode returns the HTTP status code for an error code
func HTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrCodeInvalidConsentValue, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePersistenceFailure, ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
