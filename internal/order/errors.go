package order

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a transition keeps losing the optimistic
// concurrency race after the internal retry.
var ErrConflict = errors.New("order changed concurrently, transition aborted")

// ValidationError rejects an illegal transition, an unauthorized actor, or
// a session operation in the wrong status. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
