package domain

import "errors"

var (
	// ErrJobNotFound is returned by a job runner when no job is registered under the requested name
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyRunning is returned when an execution with the same job identity is still running
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrInvalidParameters is returned when job parameters fail parsing or validation
	ErrInvalidParameters = errors.New("invalid job parameters")

	// ErrIntegrityViolation is returned when a conditional update touches more than one row
	ErrIntegrityViolation = errors.New("job request integrity violation")

	// ErrRequestNotFound is returned when a job request row does not exist
	ErrRequestNotFound = errors.New("job request not found")
)

// IsJobRejection reports whether err is one of the rejections a job runner
// may return for a start request.
func IsJobRejection(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrJobAlreadyRunning) ||
		errors.Is(err, ErrInvalidParameters)
}
