package security

import (
	"errors"
	"fmt"
)

var (
	ErrTenantRequired = errors.New("security: tenant_schema required")
	ErrNotFound       = errors.New("security: not found")
	// ErrDuplicate is returned when a record id is already stored.
	ErrDuplicate      = errors.New("security: duplicate id")
)

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
