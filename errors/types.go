package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Awareness protocol errors
	ErrCodeInvalidUpdate ErrorCode = "INVALID_UPDATE"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"

	// HTTP API errors
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// Infrastructure errors
	ErrCodeTransport ErrorCode = "TRANSPORT"
	ErrCodeStorage   ErrorCode = "STORAGE"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// CollabError is a structured error carrying a code and optional details.
type CollabError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *CollabError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *CollabError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *CollabError) WithDetail(key string, value interface{}) *CollabError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *CollabError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new CollabError
func New(code ErrorCode, message string) *CollabError {
	return &CollabError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a CollabError
func Wrap(err error, code ErrorCode, message string) *CollabError {
	return &CollabError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific CollabError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && code != ""
}

// GetCode extracts the error code from an error, walking the Unwrap chain.
func GetCode(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CollabError); ok {
			if ce.Code != "" {
				return ce.Code
			}
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
