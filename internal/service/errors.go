package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// These errors represent common conditions that callers may want to check for with errors.Is().
//
// Error handling principles:
// 1. Service methods return sentinel errors for expected error conditions
// 2. Unexpected errors are wrapped in ServiceError
// 3. Callers use errors.Is/errors.As to check for specific error conditions
// 4. The API layer maps service errors to appropriate HTTP status codes
var (
	// ErrInvalidInput indicates the request data failed validation.
	// API layer should map this to HTTP 400 Bad Request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrImageRequired indicates a book was created without a cover image.
	ErrImageRequired = fmt.Errorf("%w: image is required", ErrInvalidInput)

	// ErrForbidden indicates the caller does not own the book they tried to change.
	// API layer should map this to HTTP 403 Forbidden.
	ErrForbidden = errors.New("book is owned by another user")

	// ErrBookNotFound indicates the book does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrBookNotFound = errors.New("book not found")

	// ErrAlreadyRated indicates the caller already rated the book.
	// API layer should map this to HTTP 400 Bad Request.
	ErrAlreadyRated = errors.New("book already rated by this user")

	// ErrDuplicateEmail indicates the email is already registered.
	// API layer should map this to HTTP 409 Conflict.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	// The two cases are deliberately indistinguishable to callers.
	// API layer should map this to HTTP 401 Unauthorized.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ServiceError wraps unexpected failures with the operation that produced them.
type ServiceError struct {
	Service   string
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s service %s failed: %s: %v", e.Service, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s service %s failed: %s", e.Service, e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(service, operation, message string, err error) *ServiceError {
	return &ServiceError{
		Service:   service,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// invalidInput tags a validation failure with ErrInvalidInput while keeping
// the original error available for messages.
func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
