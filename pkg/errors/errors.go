// Package errors defines the categorized error type shared by the
// reconciliation core.
//
// The taxonomy mirrors how batch runs report failures: data-quality
// problems are skipped and counted, no-match outcomes are not errors at
// all, conflicts are retried, and store failures land in a separate
// "failed" bucket so operators can distinguish "nothing matched" from
// "couldn't persist the match".
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryStore          ErrorCategory = "store"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Validation errors (data-quality: skip the record, count it, never crash the run)
	CodeMissingField  ErrorCode = "missing_field"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeUnknownSource ErrorCode = "unknown_source"
	CodeInvalidExtra  ErrorCode = "invalid_extra"

	// Reconciliation errors
	CodeNoCandidate         ErrorCode = "no_candidate"
	CodeOutOfTolerance      ErrorCode = "out_of_tolerance"
	CodeAmbiguousCandidates ErrorCode = "ambiguous_candidates"
	CodeAlreadyReconciled   ErrorCode = "already_reconciled"

	// Conflict errors
	CodeBatchConsumed ErrorCode = "batch_consumed"

	// Store errors
	CodeWriteRejected    ErrorCode = "write_rejected"
	CodeStoreUnavailable ErrorCode = "store_unavailable"
	CodeNotFound         ErrorCode = "not_found"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryValidation:
		return 2
	case CategoryConfiguration:
		return 3
	case CategoryReconciliation, CategoryConflict:
		return 4
	case CategoryStore:
		return 5
	case CategoryInternal:
		return 6
	default:
		return 1
	}
}

// IsRetryable reports whether the failure may succeed on a later attempt.
// Only store-level failures are worth retrying; everything else is a
// property of the data itself.
func (e *ReconcilerError) IsRetryable() bool {
	return e.Category == CategoryStore && e.Code != CodeNotFound
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Specific error constructors

// ValidationError creates a data-quality error for a record field
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "the record is skipped and counted; fix it at the ingestion source"
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "amounts must be signed decimals, positive for credits"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "dates must be calendar days in YYYY-MM-DD form"
	case CodeUnknownSource:
		message = fmt.Sprintf("unknown transaction source: %v", value)
		suggestion = "check the source enum values accepted by the feed"
	case CodeInvalidExtra:
		message = fmt.Sprintf("metadata key '%s' is not valid for this source: %v", field, value)
		suggestion = "only the declared keys for a source may appear in extra"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryValidation, code, message)
	} else {
		result = New(CategoryValidation, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// MatchingError creates a reconciliation-outcome error. These describe
// why a record could not be matched; they are recorded, not raised.
func MatchingError(code ErrorCode, recordID string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeNoCandidate:
		message = fmt.Sprintf("no candidate within tolerance for %s", recordID)
		suggestion = "the record stays unreconciled for human review"
	case CodeOutOfTolerance:
		message = fmt.Sprintf("all candidates for %s exceed the 14-day window", recordID)
		suggestion = "check the disbursement dates on the gateway side"
	case CodeAmbiguousCandidates:
		message = fmt.Sprintf("multiple equally-good candidates for %s", recordID)
		suggestion = "resolve manually; the core never picks among ties silently"
	case CodeAlreadyReconciled:
		message = fmt.Sprintf("record %s is already reconciled", recordID)
		suggestion = "reset it through the auditor before re-matching"
	default:
		message = fmt.Sprintf("matching failed for %s", recordID)
		suggestion = "review the record and candidate pool"
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryReconciliation, code, message)
	} else {
		result = New(CategoryReconciliation, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("record_id", recordID)
}

// ConflictError creates an error for a lost compare-and-swap race
func ConflictError(batchID string, err error) *ReconcilerError {
	var result *ReconcilerError
	message := fmt.Sprintf("settlement batch %s was consumed by a concurrent match", batchID)
	if err != nil {
		result = Wrap(err, CategoryConflict, CodeBatchConsumed, message)
	} else {
		result = New(CategoryConflict, CodeBatchConsumed, message)
	}

	return result.
		WithSuggestion("the loser re-evaluates the remaining candidates once").
		WithContext("batch_id", batchID)
}

// StoreError creates a store-level failure
func StoreError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeWriteRejected:
		message = fmt.Sprintf("store rejected write during %s", operation)
		suggestion = "the write is retried with backoff; persistent failures land in the failed bucket"
	case CodeStoreUnavailable:
		message = fmt.Sprintf("store unavailable during %s", operation)
		suggestion = "check connectivity; the run reports failed records rather than aborting"
	case CodeNotFound:
		message = fmt.Sprintf("record not found during %s", operation)
		suggestion = "the referenced record may have been removed by another run"
	default:
		message = fmt.Sprintf("store error during %s", operation)
		suggestion = "check the store and retry the run"
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryStore, code, message)
	} else {
		result = New(CategoryStore, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the flag documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting via flag, environment, or config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryConfiguration, code, message)
	} else {
		result = New(CategoryConfiguration, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *ReconcilerError {
	message := fmt.Sprintf("unexpected error during %s", operation)

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryInternal, CodeUnexpectedError, message)
	} else {
		result = New(CategoryInternal, CodeUnexpectedError, message)
	}

	return result.
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors from a batch run
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*ReconcilerError    `json:"errors"`
	SampleErrors []*ReconcilerError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*ReconcilerError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	count, exists := es.ByCategory[category]
	return exists && count > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	count, exists := es.ByCode[code]
	return exists && count > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// Utility functions

// IsReconcilerError checks if an error is a ReconcilerError
func IsReconcilerError(err error) bool {
	_, ok := err.(*ReconcilerError)
	return ok
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// IsConflict reports whether the error chain contains a lost batch race
func IsConflict(err error) bool {
	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr.Category == CategoryConflict
	}
	return false
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return Wrap(err, category, code, message)
}
