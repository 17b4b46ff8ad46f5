// Package errors provides standardized error handling for the Way-Share backend.
package errors

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorCode represents a standardized error code returned by the API.
type ErrorCode string

const (
	// Validation errors
	WS_VALIDATION  ErrorCode = "WS_VALIDATION"  // Submission failed schema or field validation
	WS_BAD_REQUEST ErrorCode = "WS_BAD_REQUEST" // Malformed request

	// Authentication errors
	WS_AUTHN         ErrorCode = "WS_AUTHN"         // Missing or invalid credentials
	WS_TOKEN_EXPIRED ErrorCode = "WS_TOKEN_EXPIRED" // Access token expired, refresh and retry

	// Resource errors
	WS_NOT_FOUND  ErrorCode = "WS_NOT_FOUND"
	WS_CONFLICT   ErrorCode = "WS_CONFLICT"
	WS_MEDIA_SIZE ErrorCode = "WS_MEDIA_SIZE" // Attachment exceeds the size limit
	WS_MEDIA_TYPE ErrorCode = "WS_MEDIA_TYPE" // Attachment type not allowed

	// Server errors
	WS_INTERNAL    ErrorCode = "WS_INTERNAL"
	WS_UNAVAILABLE ErrorCode = "WS_UNAVAILABLE"
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode         `json:"code"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlationId"`
	Details       map[string]string `json:"details,omitempty"`
	HTTPStatus    int               `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    HTTPStatus(code),
	}
}

// NewWithDetails creates a new Error carrying per-field details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details map[string]string) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	fields := make([]string, 0, len(e.Details))
	for k, v := range e.Details {
		fields = append(fields, k+"="+v)
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(fields, ", "))
}

// HTTPStatus maps error codes to HTTP status codes.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case WS_VALIDATION, WS_BAD_REQUEST, WS_MEDIA_TYPE:
		return http.StatusBadRequest
	case WS_AUTHN, WS_TOKEN_EXPIRED:
		return http.StatusUnauthorized
	case WS_NOT_FOUND:
		return http.StatusNotFound
	case WS_CONFLICT:
		return http.StatusConflict
	case WS_MEDIA_SIZE:
		return http.StatusRequestEntityTooLarge
	case WS_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
