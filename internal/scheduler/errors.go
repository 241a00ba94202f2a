package scheduler

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidSchedule is returned when a job spec does not carry exactly
	// one schedule consistent with its type
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidJob is returned for job specs that fail validation for
	// reasons other than the schedule
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrTimeout marks attempts that exceeded the job timeout
	ErrTimeout = errors.New("job timed out")

	// ErrHandler marks attempts whose handler returned an error or panicked
	ErrHandler = errors.New("job handler failed")

	// ErrCancelled marks attempts interrupted by runner shutdown
	ErrCancelled = errors.New("job cancelled")
)

// IsValidation reports whether err was caused by a rejected job spec
func IsValidation(err error) bool {
	return errors.IsAny(err, ErrInvalidSchedule, ErrInvalidJob)
}
