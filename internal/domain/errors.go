package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrAuthentication     = errors.New("authentication failed")
	ErrAuthorization      = errors.New("not authorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ErrAlreadyRevoked is returned when revoking a consent that is no longer active.
var ErrAlreadyRevoked = fmt.Errorf("%w: consent already revoked", ErrConflict)

// SubmissionError reports a registration that could not be persisted.
type SubmissionError struct {
	Type RequestType
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s registration: %v", e.Type, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

// Unavailable wraps a store or transport failure so callers can match ErrBackendUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}
