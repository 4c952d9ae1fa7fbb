// Package errors provides structured error types for catalogopt.
// All errors include a category, code, message, and retryable flag so the
// orchestrator can tell a per-container conflict from a fatal rebuild fault.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryOptimize   ErrorCategory = "OPTIMIZE"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeInvalidFilter = "INVALID_FILTER"

	// Store codes
	CodeWriteConflict      = "WRITE_CONFLICT"
	CodeCorruptionDetected = "CORRUPTION_DETECTED"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"

	// Optimize codes
	CodeIntegrityViolation       = "REBUILD_INTEGRITY_VIOLATION"
	CodeUnsupportedContainerType = "UNSUPPORTED_CONTAINER_TYPE"
	CodeUnsupportedKeyType       = "UNSUPPORTED_KEY_TYPE"

	// Snapshot codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching on category and code.
var (
	ErrWriteConflict            = New(ErrCategoryStore, CodeWriteConflict, "concurrent modification")
	ErrCorruption               = New(ErrCategoryStore, CodeCorruptionDetected, "corruption detected")
	ErrObjectNotFound           = New(ErrCategoryStore, CodeObjectNotFound, "object not found")
	ErrIntegrityViolation       = New(ErrCategoryOptimize, CodeIntegrityViolation, "rebuild integrity violation")
	ErrUnsupportedContainerType = New(ErrCategoryOptimize, CodeUnsupportedContainerType, "unsupported container type")
	ErrUnsupportedKeyType       = New(ErrCategoryOptimize, CodeUnsupportedKeyType, "unsupported key type")
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsFatal reports whether err must stop a whole optimization run.
// Only a rebuild that lost or duplicated entries is fatal; everything
// else is scoped to a single container.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an Error.
func GetCategory(err error) ErrorCategory {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an Error.
func GetCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeWriteConflict:
		return true
	case category == ErrCategorySnapshot && code == CodeUploadFailed:
		return true
	case category == ErrCategorySnapshot && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewOptimizeError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryOptimize, code, message, cause)
}

func NewSnapshotError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySnapshot, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
