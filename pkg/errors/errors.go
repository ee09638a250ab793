package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeSchema            ErrorType = "schema"
	ErrorTypeMalformedSequence ErrorType = "malformed_sequence"
	ErrorTypeUnknownCategory   ErrorType = "unknown_category"
	ErrorTypeTrainingDiverged  ErrorType = "training_diverged"
	ErrorTypeNotTrained        ErrorType = "not_trained"
	ErrorTypeConfigMismatch    ErrorType = "config_mismatch"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeGeneration        ErrorType = "generation"
	ErrorTypeStorage           ErrorType = "storage"
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeInternal          ErrorType = "internal"
)

// Kind sentinels. errors.Is(err, ErrSchema) matches any AppError of that type.
var (
	ErrSchema            = &AppError{Type: ErrorTypeSchema}
	ErrMalformedSequence = &AppError{Type: ErrorTypeMalformedSequence}
	ErrUnknownCategory   = &AppError{Type: ErrorTypeUnknownCategory}
	ErrTrainingDiverged  = &AppError{Type: ErrorTypeTrainingDiverged}
	ErrNotTrained        = &AppError{Type: ErrorTypeNotTrained}
	ErrConfigMismatch    = &AppError{Type: ErrorTypeConfigMismatch}
)

// Plain sentinels
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFitted   = errors.New("normalizer already fitted")
	ErrInvalidState    = errors.New("invalid trainer state transition")
	ErrStoreNotEnabled = errors.New("checkpoint store not configured")
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Type, and on Code when the target carries one.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause attaches the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewSchemaError reports a missing or malformed input column.
func NewSchemaError(code, message string) *AppError {
	return NewAppError(ErrorTypeSchema, code, message)
}

// NewMalformedSequenceError reports a sequence cell that cannot be coerced or is too short.
// The row index, entity and column are attached as context so the record can be located.
func NewMalformedSequenceError(row int, entity, column, message string) *AppError {
	return NewAppError(ErrorTypeMalformedSequence, CodeMalformedSequence, message).
		WithContext("row", row).
		WithContext("entity", entity).
		WithContext("column", column).
		WithDetails(fmt.Sprintf("row %d (entity %q) column %q", row, entity, column))
}

// NewUnknownCategoryError reports a context value outside the fitted vocabulary.
func NewUnknownCategoryError(variable string, value interface{}) *AppError {
	return NewAppError(ErrorTypeUnknownCategory, CodeUnknownCategory,
		fmt.Sprintf("value %v is not in the vocabulary of context variable %q", value, variable)).
		WithContext("variable", variable).
		WithContext("value", value)
}

// NewTrainingDivergedError reports a non-finite or exploding loss.
func NewTrainingDivergedError(epoch, step int, lossName string, value float64) *AppError {
	return NewAppError(ErrorTypeTrainingDiverged, CodeTrainingDiverged,
		fmt.Sprintf("loss %q diverged to %v at epoch %d step %d", lossName, value, epoch, step)).
		WithContext("epoch", epoch).
		WithContext("step", step).
		WithContext("loss", lossName)
}

// NewNotTrainedError reports sampling or evaluation before training or loading completed.
func NewNotTrainedError(message string) *AppError {
	return NewAppError(ErrorTypeNotTrained, CodeModelNotTrained, message)
}

// NewConfigMismatchError reports dimensions or cardinalities inconsistent with data or a checkpoint.
func NewConfigMismatchError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfigMismatch, code, message)
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewGenerationError creates a generation error
func NewGenerationError(code, message string) *AppError {
	return NewAppError(ErrorTypeGeneration, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// TypeOf returns the ErrorType of the first AppError in the chain, or "" if none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func IsSchema(err error) bool            { return errors.Is(err, ErrSchema) }
func IsMalformedSequence(err error) bool { return errors.Is(err, ErrMalformedSequence) }
func IsUnknownCategory(err error) bool   { return errors.Is(err, ErrUnknownCategory) }
func IsTrainingDiverged(err error) bool  { return errors.Is(err, ErrTrainingDiverged) }
func IsNotTrained(err error) bool        { return errors.Is(err, ErrNotTrained) }
func IsConfigMismatch(err error) bool    { return errors.Is(err, ErrConfigMismatch) }

// HTTPStatus maps an error to the status code the API layer should answer with.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeSchema, ErrorTypeMalformedSequence, ErrorTypeUnknownCategory, ErrorTypeValidation:
		return 400
	case ErrorTypeConfigMismatch:
		return 409
	case ErrorTypeNotTrained:
		return 503
	case ErrorTypeStorage:
		if errors.Is(err, ErrNotFound) {
			return 404
		}
		return 500
	default:
		return 500
	}
}

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	first := ve.Errors[0]
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("%s: %s: %s", ve.Message, first.Field, first.Message)
	}
	return fmt.Sprintf("%s: %s: %s (and %d more)", ve.Message, first.Field, first.Message, len(ve.Errors)-1)
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// AsAppError folds the collected details into a single AppError of the given type.
func (ve *ValidationErrors) AsAppError(errType ErrorType, code string) *AppError {
	e := NewAppError(errType, code, ve.Error())
	e.Cause = ve
	return e
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeMissingField  = "MISSING_FIELD"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeOutOfRange    = "OUT_OF_RANGE"

	CodeMissingColumn     = "MISSING_COLUMN"
	CodeEmptyTable        = "EMPTY_TABLE"
	CodeMalformedSequence = "MALFORMED_SEQUENCE"
	CodeUnknownCategory   = "UNKNOWN_CATEGORY"

	CodeTrainingDiverged = "TRAINING_DIVERGED"
	CodeModelNotTrained  = "MODEL_NOT_TRAINED"

	CodeCardinalityMismatch = "CARDINALITY_MISMATCH"
	CodeDimensionMismatch   = "DIMENSION_MISMATCH"
	CodeCatalogMismatch     = "CATALOG_MISMATCH"
	CodeCheckpointVersion   = "CHECKPOINT_VERSION"

	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeInvalidConfig   = "INVALID_CONFIG"

	CodeGenerationFailed = "GENERATION_FAILED"
	CodeStorageError     = "STORAGE_ERROR"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"
	CodeInternalError    = "INTERNAL_ERROR"
)
