package domain

import "errors"

var (
	// ErrNotFound means an operation referenced an unknown sandbox id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrValidation means a modification failed structural checks.
	ErrValidation = errors.New("validation failed")

	// ErrConfirmation covers every rejected confirmation attempt.
	ErrConfirmation = errors.New("confirmation rejected")

	// ErrConfirmationMismatch means the supplied code was wrong.
	ErrConfirmationMismatch = &confirmationError{msg: "invalid confirmation code"}

	// ErrLockedOut means too many recent failures; even a correct code is refused.
	ErrLockedOut = &confirmationError{msg: "too many failed confirmation attempts"}

	// ErrSafetyRejected means the final safety check refused the sandbox.
	ErrSafetyRejected = errors.New("safety check failed")

	// ErrCommitFailed means the apply phase failed and rollback was attempted.
	ErrCommitFailed = errors.New("commit failed")

	// ErrStorage means the sandbox store could not allocate or persist state.
	ErrStorage = errors.New("storage error")
)

// confirmationError lets both confirmation failures match ErrConfirmation
// with errors.Is while staying distinguishable from each other.
type confirmationError struct {
	msg string
}

func (e *confirmationError) Error() string { return e.msg }

func (e *confirmationError) Unwrap() error { return ErrConfirmation }
