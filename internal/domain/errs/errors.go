// Package errs defines the error taxonomy shared by the visit workflow packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound indicates the requested visit does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent update won the race for the same visit
	ErrConflict = errors.New("concurrent update conflict")
)

// ValidationError represents rejected input, reported before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports a state machine misuse.
type TransitionError struct {
	VisitID string
	From    string
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s visit %s in status %s", e.Action, e.VisitID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
