package annotation

import (
	"errors"
	"fmt"
)

// ErrNotFound is reported when an id is not in the store.
var ErrNotFound = errors.New("annotation not found")

// ValidationError rejects a shape that cannot be finalized: too small, or an
// empty label.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// LockedEntityError rejects a mutation of a locked annotation.
type LockedEntityError struct {
	ID int64
}

func (e *LockedEntityError) Error() string {
	return fmt.Sprintf("annotation %d is locked", e.ID)
}

// IsLocked reports whether err is a LockedEntityError.
func IsLocked(err error) bool {
	var le *LockedEntityError
	return errors.As(err, &le)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
