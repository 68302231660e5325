package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIndexError_Error(t *testing.T) {
	err := New(ErrCategoryQuery, CodeUnsupportedLookup, "lookup not supported: gt")
	expected := "[QUERY:UNSUPPORTED_LOOKUP] lookup not supported: gt"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIndexError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestIndexError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewParseError("bad array", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestIndexError_Is(t *testing.T) {
	err1 := NewForeignKeyNotFound("data_victim", "data_officer")
	err2 := NewForeignKeyNotFound("data_area", "data_allegation")
	err3 := NewSchemaError(CodeJoinNotDeclared, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestForeignKeyNotFoundNamesBothTables(t *testing.T) {
	err := NewForeignKeyNotFound("data_victim", "data_officer")
	if !strings.Contains(err.Error(), "data_victim") || !strings.Contains(err.Error(), "data_officer") {
		t.Errorf("message should name both tables, got %q", err.Error())
	}
	if err.Details["from"] != "data_victim" || err.Details["to"] != "data_officer" {
		t.Errorf("unexpected details %v", err.Details)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryIntegrity, CodeCountMismatch, false},
		{ErrCategoryParse, CodeMalformedArray, false},
		{ErrCategorySchema, CodeForeignKeyNotFound, false},
		{ErrCategoryQuery, CodeExecutionFailed, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("batch 3: %w", NewIntegrityError("count mismatch", nil))
	if GetCategory(err) != ErrCategoryIntegrity {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryIntegrity)
	}
	if GetCode(err) != CodeCountMismatch {
		t.Errorf("got %q, want %q", GetCode(err), CodeCountMismatch)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-IndexError should return empty category and code")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewQueryError(CodeUnsupportedValue, "bad value")
	detailed := err.WithDetails(map[string]interface{}{"field": "crid"})

	if detailed.Details["field"] != "crid" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}
