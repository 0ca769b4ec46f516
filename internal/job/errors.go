package job

import "errors"

var (
	// ErrJobNotFound is returned when a job record cannot be found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRunning is returned when completing or failing a job that is not claimed
	ErrJobNotRunning = errors.New("job not in running status")

	// ErrJobNotPending is returned when canceling a job that already started or finished
	ErrJobNotPending = errors.New("job not in pending status")

	// ErrJobNotDeadLettered is returned when requeueing a job that is not dead-lettered
	ErrJobNotDeadLettered = errors.New("job not in dead_lettered status")

	// ErrActiveDuplicate is returned when a requeue would create a second
	// active job under the same idempotency key
	ErrActiveDuplicate = errors.New("an active job already holds this idempotency key")

	// ErrUnknownType is returned for job types outside the closed enumeration
	ErrUnknownType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a payload cannot be decoded for its type
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrNotFound is returned by handlers when the entity a job refers to is missing
	ErrNotFound = errors.New("entity not found")
)

// PermanentError marks a failure that retrying cannot fix. The worker
// dead-letters such jobs without spending the remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
