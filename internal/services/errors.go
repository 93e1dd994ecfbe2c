package services

import "errors"

var (
	// ErrInvalidTransition is returned when a requested status change is not
	// in the legal-edge table, or when the stored status no longer matches
	// the expected one because a concurrent writer advanced the job first.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrTerminalState is returned when a mutation is attempted on a job
	// that already reached completed, failed or canceled.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// permanentError marks a delivery failure that must not be retried. The
// dispatcher terminally fails the event and force-fails the owning job with
// the attached error code.
type permanentError struct {
	err  error
	code string
}

// Permanent wraps err as non-retryable with a job error code.
func Permanent(err error, code string) error {
	return &permanentError{err: err, code: code}
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }
