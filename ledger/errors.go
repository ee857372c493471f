package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrder                = errors.New("operation group out of order")
	ErrMalformedGroup            = errors.New("malformed operation group")
	ErrInvalidSubstateTransition = errors.New("invalid substate transition")
)

// ValidationError describes why a group was rejected. It matches one of the
// sentinel errors above through errors.Is.
type ValidationError struct {
	Kind   error
	Key    GroupKey
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v at %s: %s", e.Kind, e.Key, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func validationError(kind error, key GroupKey, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Key: key, Reason: fmt.Sprintf(format, args...)}
}

// IsIntegrityViolation reports whether err is a rejection that must not be
// retried with the same group.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrMalformedGroup) ||
		errors.Is(err, ErrInvalidSubstateTransition)
}
