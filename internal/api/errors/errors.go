package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a malformed request
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents an unknown action or route
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeForbidden represents a request missing the XHR marker
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeRefused represents a well-formed request the lock rules refuse
	ErrorTypeRefused ErrorType = "refused"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"` // Not serialized
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeNotFound,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusNotFound,
	}
}

// MethodNotAllowedError rejects a mutating action sent with a safe method
func MethodNotAllowedError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusMethodNotAllowed,
	}
}

// ForbiddenError creates a new forbidden error
func ForbiddenError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeForbidden,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusForbidden,
	}
}

// RefusedError creates a refusal. Refusals are answered with 200 and
// success=false so clients can tell them apart from transport failures.
func RefusedError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeRefused,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusOK,
	}
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// FromError creates a new API error from a Go error
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	// Default to an internal server error
	return InternalError("internal_error", err.Error())
}
