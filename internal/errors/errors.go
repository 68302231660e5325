// Package errors provides structured error types for the indexing pipeline.
// All errors include a category, code, message, and retryable flag so the
// CLI can report them consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategorySchema    ErrorCategory = "SCHEMA"
	ErrCategoryParse     ErrorCategory = "PARSE"
	ErrCategoryQuery     ErrorCategory = "QUERY"
	ErrCategoryIntegrity ErrorCategory = "INTEGRITY"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeForeignKeyNotFound = "FOREIGN_KEY_NOT_FOUND"
	CodeTableNotFound      = "TABLE_NOT_FOUND"
	CodeUnknownColumn      = "UNKNOWN_COLUMN"
	CodeInvalidTable       = "INVALID_TABLE"
	CodeJoinNotDeclared    = "JOIN_NOT_DECLARED"
	CodeFieldNamesMissing  = "FIELD_NAMES_MISSING"
	CodeUngroupedField     = "UNGROUPED_JOIN_FIELD"
	CodeDuplicateField     = "DUPLICATE_FIELD"
	CodeAggregateDistinct  = "AGGREGATE_IN_DISTINCT"
	CodeSchemaDrift        = "SCHEMA_DRIFT"

	// Parse codes
	CodeMalformedArray = "MALFORMED_ARRAY"
	CodeMalformedGML   = "MALFORMED_GML"

	// Query codes
	CodeUnsupportedLookup = "UNSUPPORTED_LOOKUP"
	CodeUnsupportedValue  = "UNSUPPORTED_VALUE"
	CodeExecutionFailed   = "EXECUTION_FAILED"
	CodeDecodeFailed      = "DECODE_FAILED"

	// Integrity codes
	CodeCountMismatch = "COUNT_MISMATCH"

	// Storage codes
	CodeUploadFailed = "UPLOAD_FAILED"

	// Config codes
	CodeUnknownApp       = "UNKNOWN_APP"
	CodeNoPartialIndexer = "NO_PARTIAL_INDEXER"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// IndexError is the structured error type used throughout the pipeline.
type IndexError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *IndexError) Is(target error) bool {
	var t *IndexError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new IndexError.
func New(category ErrorCategory, code, message string) *IndexError {
	return &IndexError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new IndexError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *IndexError {
	return &IndexError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *IndexError) WithDetails(details map[string]interface{}) *IndexError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCategory(err error) ErrorCategory {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCode(err error) string {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// Only archive uploads are retried; every other failure terminates the run.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage && code == CodeUploadFailed
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *IndexError {
	return New(ErrCategorySchema, code, message)
}

// NewForeignKeyNotFound names both tables involved in the failed lookup.
func NewForeignKeyNotFound(from, to string) *IndexError {
	return New(ErrCategorySchema, CodeForeignKeyNotFound,
		fmt.Sprintf("no foreign key between %s and %s", from, to)).
		WithDetails(map[string]interface{}{"from": from, "to": to})
}

func NewParseError(message string, cause error) *IndexError {
	return Wrap(ErrCategoryParse, CodeMalformedArray, message, cause)
}

func NewQueryError(code, message string) *IndexError {
	return New(ErrCategoryQuery, code, message)
}

func NewIntegrityError(message string, details map[string]interface{}) *IndexError {
	return New(ErrCategoryIntegrity, CodeCountMismatch, message).WithDetails(details)
}

func NewStorageError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *IndexError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
