package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/bookshelf-api/internal/api/shared"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/service"
	"github.com/phrazzld/bookshelf-api/internal/service/auth"
	"github.com/phrazzld/bookshelf-api/internal/store"
)

// errMalformedRequest marks request bodies that could not be parsed at all.
var errMalformedRequest = errors.New("malformed request")

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	// Request size
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge

	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrWrongTokenType),
		errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized

	// Authorization errors
	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, store.ErrNotOwner):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, service.ErrBookNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrDuplicateEmail),
		errors.Is(err, store.ErrEmailExists):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrAlreadyRated),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, images.ErrUnsupportedType),
		errors.Is(err, images.ErrDecode),
		errors.Is(err, shared.ErrEmptyBody),
		errors.Is(err, errMalformedRequest):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	// Handle nil error
	if err == nil {
		return "An unexpected error occurred"
	}

	var maxBytesErr *http.MaxBytesError
	var validationErr *domain.ValidationError
	var fieldErrs validator.ValidationErrors

	switch {
	case errors.As(err, &maxBytesErr):
		return "Request body too large"

	// Authentication errors
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"

	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrWrongTokenType):
		return "Invalid token"

	case errors.Is(err, auth.ErrMissingToken):
		return "Authorization header required"

	case errors.Is(err, service.ErrInvalidCredentials):
		return "Invalid email or password"

	// Authorization errors
	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, store.ErrNotOwner):
		return "You do not own this book"

	// Not found errors
	case errors.Is(err, service.ErrBookNotFound),
		errors.Is(err, store.ErrBookNotFound):
		return "Book not found"

	case errors.Is(err, store.ErrUserNotFound):
		return "User not found"

	// Conflict errors
	case errors.Is(err, service.ErrDuplicateEmail),
		errors.Is(err, store.ErrEmailExists):
		return "Email already exists"

	case errors.Is(err, service.ErrAlreadyRated):
		return "You have already rated this book"

	// Image errors
	case errors.Is(err, service.ErrImageRequired):
		return "Image is required"

	case errors.Is(err, images.ErrUnsupportedType):
		return "Unsupported image type: use JPEG, PNG or WEBP"

	case errors.Is(err, images.ErrDecode):
		return "Image could not be processed"

	// Bad request errors
	case errors.As(err, &validationErr):
		return formatValidationError(validationErr)

	case errors.As(err, &fieldErrs):
		return SanitizeValidationError(err)

	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"

	case errors.Is(err, errMalformedRequest):
		return "Invalid request format"

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, service.ErrInvalidInput):
		return "Validation error"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	// Default case for unknown errors
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError maps err to a status code and safe message and writes the
// error response. fallback replaces the generic message for 5xx responses so
// clients get a hint of which operation failed.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status >= http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return formatValidationError(validationErr)
	}

	// Fall back to a generic validation error message
	return "Validation error"
}

func formatValidationError(err *domain.ValidationError) string {
	if err.Field == "" {
		return fmt.Sprintf("Invalid request: %s", err.Message)
	}
	return fmt.Sprintf("Invalid %s: %s", err.Field, err.Message)
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "email":
		return "invalid email format"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
