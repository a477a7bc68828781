package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidGrade is returned when a rating grade is not an integer in [MinGrade, MaxGrade].
	ErrInvalidGrade = errors.New("invalid grade")
)

// ValidationError describes a single invalid field. It wraps ErrValidation
// unless a more specific cause is supplied.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError creates a ValidationError for field. A nil err defaults
// to ErrValidation so errors.Is(err, ErrValidation) always holds.
func NewValidationError(field, message string, err error) *ValidationError {
	if err == nil {
		err = ErrValidation
	}
	return &ValidationError{Field: field, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports ErrValidation as a match for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
