// Package errors provides structured error types for the Pivora system.
// All errors include a category, a machine-readable code, a message, and a
// retryable flag for consistent error handling across components. Codes are
// lowercase snake_case because they travel verbatim in API error payloads.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryRouting    ErrorCategory = "ROUTING"
	ErrCategoryFormula    ErrorCategory = "FORMULA"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryRollup     ErrorCategory = "ROLLUP"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidRequest = "invalid_request"

	// Catalog codes
	CodeSchemaMissing          = "schema_missing"
	CodeUnknownMetric          = "unknown_metric"
	CodeUnknownDimension       = "unknown_dimension"
	CodeUnknownCustomDimension = "unknown_custom_dimension"
	CodeUnknownCustomMetric    = "unknown_custom_metric"
	CodeInvalidTransition      = "invalid_status_transition"

	// Routing codes
	CodeRollupRequired = "rollup_required"

	// Formula codes
	CodeFormulaParse      = "formula_parse_error"
	CodeFormulaCycle      = "formula_cycle"
	CodeFormulaEvaluation = "formula_evaluation_failed"

	// Store codes
	CodeStoreUnavailable = "store_unavailable"
	CodeFetchFailed      = "fetch_failed"

	// Rollup codes
	CodeBuildFailed = "rollup_build_failed"

	// Internal codes
	CodeUnexpected = "unexpected"
)

// PivoraError is the structured error type used throughout the system.
type PivoraError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PivoraError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PivoraError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PivoraError) Is(target error) bool {
	var t *PivoraError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PivoraError.
func New(category ErrorCategory, code, message string) *PivoraError {
	return &PivoraError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PivoraError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PivoraError {
	return &PivoraError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details. Details
// are rendered into API error payloads (e.g. requiredDimensions and
// availableRollups on a routing failure).
func (e *PivoraError) WithDetails(details map[string]interface{}) *PivoraError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PivoraError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PivoraError.
func GetCategory(err error) ErrorCategory {
	var pe *PivoraError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PivoraError.
func GetCode(err error) string {
	var pe *PivoraError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain, or nil.
func GetDetails(err error) map[string]interface{} {
	var pe *PivoraError
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStore && code == CodeFetchFailed:
		return true
	case category == ErrCategoryRollup && code == CodeBuildFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(message string) *PivoraError {
	return New(ErrCategoryValidation, CodeInvalidRequest, message)
}

func NewCatalogError(code, message string) *PivoraError {
	return New(ErrCategoryCatalog, code, message)
}

func NewRoutingError(message string) *PivoraError {
	return New(ErrCategoryRouting, CodeRollupRequired, message)
}

func NewFormulaError(code, message string, cause error) *PivoraError {
	return Wrap(ErrCategoryFormula, code, message, cause)
}

func NewStoreError(code, message string, cause error) *PivoraError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewRollupError(code, message string, cause error) *PivoraError {
	return Wrap(ErrCategoryRollup, code, message, cause)
}

func NewInternalError(message string, cause error) *PivoraError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
