package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity is wrapped by every integrity violation. Integrity
	// violations are never resolved automatically.
	ErrIntegrity = errors.New("integrity violation")

	// ErrHashCollision means two different contents produced the same hash.
	ErrHashCollision = fmt.Errorf("%w: content hash collision", ErrIntegrity)
	// ErrTombstoneWithoutLedger means a tombstone was requested for a hash
	// that has no deletion ledger entry.
	ErrTombstoneWithoutLedger = fmt.Errorf("%w: tombstone without ledger entry", ErrIntegrity)
	// ErrHashMismatch means a record's hash does not address its content.
	ErrHashMismatch = fmt.Errorf("%w: content hash does not match content", ErrIntegrity)
)

// ValidationError represents a validation error with a field name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
