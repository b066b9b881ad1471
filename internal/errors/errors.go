// Package errors provides structured error types for castorsql.
// Every error carries a category and a code; the category decides whether a
// run can continue (coercion problems) or must stop (everything else).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryStructure ErrorCategory = "STRUCTURE"
	ErrCategoryCoercion  ErrorCategory = "COERCION"
	ErrCategoryStore     ErrorCategory = "STORE"
	ErrCategorySource    ErrorCategory = "SOURCE"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Structure codes
	CodeLengthMismatch        = "LENGTH_MISMATCH"
	CodeUnresolvedOptionGroup = "UNRESOLVED_OPTION_GROUP"
	CodeDuplicateColumn       = "DUPLICATE_COLUMN"
	CodeDuplicateRecord       = "DUPLICATE_RECORD"
	CodeUnknownOption         = "UNKNOWN_OPTION"
	CodeInvalidColumnName     = "INVALID_COLUMN_NAME"
	CodeOneHotViolation       = "ONE_HOT_VIOLATION"

	// Coercion codes
	CodeInvalidInteger = "INVALID_INTEGER"
	CodeInvalidFloat   = "INVALID_FLOAT"
	CodeInvalidDate    = "INVALID_DATE"

	// Store codes
	CodeOpenFailed    = "OPEN_FAILED"
	CodeDDLFailed     = "DDL_FAILED"
	CodeInsertFailed  = "INSERT_FAILED"
	CodeStoreUnusable = "STORE_UNUSABLE"
	CodeQueryFailed   = "QUERY_FAILED"

	// Source codes
	CodeAuthFailed       = "AUTH_FAILED"
	CodeBadStatus        = "BAD_STATUS"
	CodePaginationFailed = "PAGINATION_FAILED"
	CodeStudyNotFound    = "STUDY_NOT_FOUND"
	CodeMalformedFeed    = "MALFORMED_FEED"
	CodeRequestFailed    = "REQUEST_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CastorError is the structured error type used throughout the system.
type CastorError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CastorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CastorError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CastorError) Is(target error) bool {
	var t *CastorError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CastorError.
func New(category ErrorCategory, code, message string) *CastorError {
	return &CastorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code, 0),
	}
}

// Wrap creates a new CastorError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CastorError {
	return &CastorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code, 0),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CastorError) WithDetails(details map[string]interface{}) *CastorError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CastorError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsFatal reports whether err must abort a run. Only coercion errors are
// recoverable; unknown errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return GetCategory(err) != ErrCategoryCoercion
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CastorError.
func GetCategory(err error) ErrorCategory {
	var ce *CastorError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CastorError.
func GetCode(err error) string {
	var ce *CastorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable decides retryability. Only transport failures and transient
// remote responses qualify.
func isRetryable(category ErrorCategory, code string, status int) bool {
	if category != ErrCategorySource {
		return false
	}
	switch code {
	case CodeRequestFailed:
		return true
	case CodeBadStatus:
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewStructureError(code, message string) *CastorError {
	return New(ErrCategoryStructure, code, message)
}

func NewCoercionError(code, message string, cause error) *CastorError {
	return Wrap(ErrCategoryCoercion, code, message, cause)
}

func NewStoreError(code, message string, cause error) *CastorError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewSourceError(code, message string, cause error) *CastorError {
	return Wrap(ErrCategorySource, code, message, cause)
}

// NewStatusError reports a non-200 response from the remote source.
func NewStatusError(status int, url string) *CastorError {
	e := New(ErrCategorySource, CodeBadStatus, fmt.Sprintf("unexpected status %d from %s", status, url))
	e.Retryable = isRetryable(ErrCategorySource, CodeBadStatus, status)
	e.Details = map[string]interface{}{"status": status, "url": url}
	return e
}

func NewConfigError(message string) *CastorError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *CastorError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
