package types

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every ValidationError
var ErrValidation = errors.New("validation failed")

// ValidationError reports a malformed order request. It never reaches the
// venue and is never written to the ledger as a placement.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var (
	// ErrSubmissionUnknown means the venue may have acted on the order but no
	// answer arrived in time. Retrying with the same request is safe.
	ErrSubmissionUnknown = errors.New("order submission outcome unknown")
	// ErrOrderNotFound is returned for ids the ledger has never seen
	ErrOrderNotFound = errors.New("order not found")
)
