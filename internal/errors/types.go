// internal/errors/types.go
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies a class of failure in the live pipeline.
type Code string

const (
	// Snapshot loading
	CodeFetchFailed Code = "FETCH_FAILED"

	// Push path
	CodeMalformedMessage   Code = "MALFORMED_MESSAGE"
	CodeSubscriptionFailed Code = "SUBSCRIPTION_FAILED"
	CodeTransportClosed    Code = "TRANSPORT_CLOSED"

	// General
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// LiveError is a structured error carrying a code and optional context.
type LiveError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface
func (e *LiveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *LiveError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *LiveError) WithDetail(key string, value any) *LiveError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *LiveError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new LiveError
func New(code Code, message string) *LiveError {
	return &LiveError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code Code, message string) *LiveError {
	return &LiveError{Code: code, Message: message, Cause: err}
}

// Is reports whether any error in err's chain is a LiveError with the given code.
func Is(err error, code Code) bool {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// GetCode returns the code of the first LiveError in err's chain, or "" if none.
func GetCode(err error) Code {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
