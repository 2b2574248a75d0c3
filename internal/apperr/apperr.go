// Package apperr defines the error kinds shared by the library services.
// Services wrap these with fmt.Errorf("...: %w") and the HTTP layer maps
// them to responses with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("permission denied")
	ErrConflict        = errors.New("concurrency conflict: version mismatch")
	ErrValidation      = errors.New("validation failed")
	ErrNotification    = errors.New("notification failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// FieldError is a validation failure attached to a single input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is reports FieldError as a validation failure.
func (e *FieldError) Is(target error) bool {
	return target == ErrValidation
}

// Field returns a FieldError for field with the given message.
func Field(field, message string) error {
	return &FieldError{Field: field, Message: message}
}

// NotFound wraps ErrNotFound with the kind and id of the missing entity.
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s with ID %v: %w", kind, id, ErrNotFound)
}
