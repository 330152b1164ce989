// Package errors provides the structured error type used across paperdex.
// Errors carry a stable code so callers can branch on failure class
// (configuration, integrity, external) without string matching.
package errors

import (
	"fmt"
)

// PaperdexError is the structured error type for paperdex.
type PaperdexError struct {
	// Code is the unique error code (e.g. "ERR_CONFIG_MISSING_DB_URL").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category derived from the code.
	Category Category

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *PaperdexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PaperdexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with PaperdexError.
func (e *PaperdexError) Is(target error) bool {
	if t, ok := target.(*PaperdexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PaperdexError) WithDetail(key, value string) *PaperdexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new PaperdexError with the given code and message.
// Category and retryable flag are derived from the code.
func New(code string, message string, cause error) *PaperdexError {
	return &PaperdexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new PaperdexError with a formatted message.
func Newf(code string, format string, args ...any) *PaperdexError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a PaperdexError from an existing error.
// Returns nil if err is nil.
func Wrap(code string, err error) *PaperdexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration error. Configuration errors are always
// fatal and are surfaced before any mutation happens.
func ConfigError(message string, cause error) *PaperdexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IntegrityError creates an integrity error. Integrity errors are never
// auto-repaired: silently fixing them would corrupt retrieval correctness.
func IntegrityError(message string, cause error) *PaperdexError {
	return New(ErrCodeIntegrity, message, cause)
}

// ExternalError creates a transient external failure (embedding provider,
// vector search backend). These are caught at the call site and degrade to
// "no results from this path".
func ExternalError(message string, cause error) *PaperdexError {
	return New(ErrCodeExternal, message, cause)
}

// IsConfig reports whether err carries a configuration error code.
func IsConfig(err error) bool {
	return CategoryOf(err) == CategoryConfig
}

// IsIntegrity reports whether err carries an integrity error code.
func IsIntegrity(err error) bool {
	return CategoryOf(err) == CategoryIntegrity
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*PaperdexError); ok {
		return pe.Retryable
	}
	return false
}

// CategoryOf extracts the category from a PaperdexError.
// Returns CategoryUnknown for nil or foreign errors.
func CategoryOf(err error) Category {
	if pe, ok := err.(*PaperdexError); ok {
		return pe.Category
	}
	return CategoryUnknown
}

// GetCode extracts the error code from a PaperdexError.
// Returns empty string if not a PaperdexError.
func GetCode(err error) string {
	if pe, ok := err.(*PaperdexError); ok {
		return pe.Code
	}
	return ""
}
