package scheduler

import "time"

// maxBackoff caps retry delays so a large retry count cannot overflow
const maxBackoff = 24 * time.Hour

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before retry number attempt (0-based)
	NextRetry(attempt uint) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the delay as InitialDelay * Multiplier^attempt
func (s *ExponentialBackoff) NextRetry(attempt uint) time.Duration {
	maxDelay := s.MaxDelay
	if maxDelay <= 0 {
		maxDelay = maxBackoff
	}

	delay := float64(s.InitialDelay)
	for i := uint(0); i < attempt; i++ {
		delay *= s.Multiplier
		if delay > float64(maxDelay) {
			return maxDelay
		}
	}

	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// backoffFor returns the doubling strategy used for a job's retry policy
func backoffFor(initial time.Duration) RetryStrategy {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     maxBackoff,
		Multiplier:   2,
	}
}
