package errors

import (
	"fmt"
	"testing"
)

func TestReconcilerErrorError(t *testing.T) {
	err := New(CategoryValidation, CodeMissingField, "field 'date' is missing")
	if got := err.Error(); got != "field 'date' is missing" {
		t.Errorf("Error() = %q", got)
	}

	err = err.WithSuggestion("fix the feed")
	want := "field 'date' is missing (suggestion: fix the feed)"
	if got := err.Error(); got != want {
		t.Errorf("Error() with suggestion = %q, want %q", got, want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, CategoryStore, CodeStoreUnavailable, "store unavailable during SaveMatch")

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}
	if err.StackTrace == nil {
		t.Error("wrapped error should carry a stack trace")
	}
	if Wrap(nil, CategoryStore, CodeStoreUnavailable, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     int
	}{
		{CategoryValidation, 2},
		{CategoryConfiguration, 3},
		{CategoryReconciliation, 4},
		{CategoryConflict, 4},
		{CategoryStore, 5},
		{CategoryInternal, 6},
	}

	for _, tt := range tests {
		err := New(tt.category, CodeUnexpectedError, "test")
		if got := err.GetExitCode(); got != tt.want {
			t.Errorf("GetExitCode() for %s = %d, want %d", tt.category, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !StoreError(CodeWriteRejected, "SaveMatch", nil).IsRetryable() {
		t.Error("rejected writes should be retryable")
	}
	if !StoreError(CodeStoreUnavailable, "UpdateTransaction", nil).IsRetryable() {
		t.Error("unavailable store should be retryable")
	}
	if StoreError(CodeNotFound, "GetMatch", nil).IsRetryable() {
		t.Error("not-found should not be retryable")
	}
	if ConflictError("B-77/EUR", nil).IsRetryable() {
		t.Error("conflicts re-evaluate candidates instead of retrying the write")
	}
	if ValidationError(CodeInvalidAmount, "amount", "abc", nil).IsRetryable() {
		t.Error("data-quality errors should never be retryable")
	}
}

func TestValidationErrorContext(t *testing.T) {
	err := ValidationError(CodeMissingField, "date", nil, nil)

	if err.Category != CategoryValidation {
		t.Errorf("Category = %s", err.Category)
	}
	if err.Code != CodeMissingField {
		t.Errorf("Code = %s", err.Code)
	}
	if err.Context["field"] != "date" {
		t.Errorf("Context[field] = %v", err.Context["field"])
	}
	if err.Suggestion == "" {
		t.Error("constructor should attach a suggestion")
	}
}

func TestConflictErrorDetection(t *testing.T) {
	conflict := ConflictError("B-12/EUR", nil)

	if !IsConflict(conflict) {
		t.Error("IsConflict should detect a direct conflict error")
	}
	wrapped := fmt.Errorf("match attempt: %w", conflict)
	if !IsConflict(wrapped) {
		t.Error("IsConflict should see through wrapping")
	}
	if IsConflict(StoreError(CodeWriteRejected, "SaveMatch", nil)) {
		t.Error("store errors are not conflicts")
	}
	if conflict.Context["batch_id"] != "B-12/EUR" {
		t.Errorf("Context[batch_id] = %v", conflict.Context["batch_id"])
	}
}

func TestAsReconcilerError(t *testing.T) {
	inner := MatchingError(CodeNoCandidate, "tx-1", nil)
	wrapped := fmt.Errorf("outer: %w", inner)

	got, ok := AsReconcilerError(wrapped)
	if !ok {
		t.Fatal("AsReconcilerError should unwrap through fmt.Errorf")
	}
	if got.Code != CodeNoCandidate {
		t.Errorf("Code = %s", got.Code)
	}

	if _, ok := AsReconcilerError(fmt.Errorf("plain")); ok {
		t.Error("plain errors should not convert")
	}
}

func TestWrapIfNeeded(t *testing.T) {
	original := StoreError(CodeNotFound, "GetBatch", nil)
	if got := WrapIfNeeded(original, CategoryInternal, CodeUnexpectedError, "x"); got != original {
		t.Error("an existing ReconcilerError should pass through unchanged")
	}

	plain := fmt.Errorf("boom")
	got := WrapIfNeeded(plain, CategoryInternal, CodeUnexpectedError, "during run")
	if got.Category != CategoryInternal || got.Unwrap() != plain {
		t.Error("plain errors should be wrapped with the given category")
	}
	if WrapIfNeeded(nil, CategoryInternal, CodeUnexpectedError, "x") != nil {
		t.Error("WrapIfNeeded(nil) should return nil")
	}
}

func TestErrorSummary(t *testing.T) {
	errs := []*ReconcilerError{
		ValidationError(CodeInvalidDate, "date", "13/13/2025", nil),
		ValidationError(CodeInvalidAmount, "amount", "abc", nil),
		StoreError(CodeWriteRejected, "SaveMatch", nil),
	}
	summary := NewErrorSummary(errs)

	if summary.Total != 3 {
		t.Errorf("Total = %d, want 3", summary.Total)
	}
	if summary.ByCategory[CategoryValidation] != 2 {
		t.Errorf("validation count = %d, want 2", summary.ByCategory[CategoryValidation])
	}
	if !summary.HasCode(CodeWriteRejected) {
		t.Error("HasCode(write_rejected) should be true")
	}
	if summary.HasCategory(CategoryConflict) {
		t.Error("HasCategory(conflict) should be false")
	}
	if got := summary.GetExitCode(); got != 5 {
		t.Errorf("GetExitCode() = %d, want 5 (store outranks validation)", got)
	}
	if len(summary.SampleErrors) != 3 {
		t.Errorf("SampleErrors length = %d", len(summary.SampleErrors))
	}

	empty := NewErrorSummary(nil)
	if empty.Error() != "no errors" || empty.GetExitCode() != 0 {
		t.Error("empty summary should report no errors and exit 0")
	}
}

func TestErrorSummarySampleCap(t *testing.T) {
	var errs []*ReconcilerError
	for i := 0; i < 8; i++ {
		errs = append(errs, ValidationError(CodeMissingField, fmt.Sprintf("field%d", i), nil, nil))
	}
	summary := NewErrorSummary(errs)
	if len(summary.SampleErrors) != 5 {
		t.Errorf("SampleErrors length = %d, want 5", len(summary.SampleErrors))
	}
	if len(summary.Errors) != 8 {
		t.Errorf("Errors length = %d, want 8", len(summary.Errors))
	}
}
