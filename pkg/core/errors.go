package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the typed error carried between the gateway layers and rendered
// to clients by the HTTP and streaming surfaces.
type Error struct {
	Type       ErrorType    `json:"type"`
	Message    string       `json:"message"`
	Param      string       `json:"param,omitempty"`
	Code       string       `json:"code,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
	Fields     []FieldError `json:"fields,omitempty"`
	RetryAfter *int         `json:"retry_after,omitempty"`

	cause error
}

// FieldError describes one failed field constraint.
type FieldError struct {
	Kind string `json:"kind"`
	Loc  string `json:"loc"`
	Msg  string `json:"msg"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any. The cause is never serialized.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrValidation      ErrorType = "validation_error"
	ErrAuthentication  ErrorType = "authentication_error"
	ErrNotFound        ErrorType = "not_found_error"
	ErrExternalService ErrorType = "external_service_error"
	ErrRateLimit       ErrorType = "rate_limit_error"
	ErrProtocol        ErrorType = "protocol_error"
	ErrState           ErrorType = "state_error"
	ErrAPI             ErrorType = "api_error"
)

// NewValidationError creates a validation error from one or more field errors.
func NewValidationError(fields ...FieldError) *Error {
	msg := "request validation failed"
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f.Loc+": "+f.Msg)
		}
		msg = strings.Join(parts, "; ")
	}
	e := &Error{
		Type:    ErrValidation,
		Message: msg,
		Fields:  fields,
	}
	if len(fields) > 0 {
		e.Param = fields[0].Loc
	}
	return e
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewExternalServiceError wraps a dependency failure. The cause stays
// available to errors.Is/As but is not part of the rendered message.
func NewExternalServiceError(service string, cause error) *Error {
	return &Error{
		Type:    ErrExternalService,
		Message: service + " unavailable",
		Code:    service + "_unavailable",
		cause:   cause,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewProtocolError creates an in-band streaming protocol error.
func NewProtocolError(code, message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Code:    code,
	}
}

// NewStateError creates a state error.
func NewStateError(message string) *Error {
	return &Error{
		Type:    ErrState,
		Message: message,
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsRetryable returns true if the caller may retry the same request later.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrExternalService, ErrAPI:
		return true
	default:
		return false
	}
}

// IsType reports whether err is a *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	return errors.As(err, &ce) && ce != nil && ce.Type == t
}
