package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	s := backoffFor(100 * time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, s.NextRetry(0))
	assert.Equal(t, 200*time.Millisecond, s.NextRetry(1))
	assert.Equal(t, 400*time.Millisecond, s.NextRetry(2))
	assert.Equal(t, 800*time.Millisecond, s.NextRetry(3))
}

func TestExponentialBackoffCap(t *testing.T) {
	s := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   3,
	}

	assert.Equal(t, 3*time.Second, s.NextRetry(1))
	assert.Equal(t, 5*time.Second, s.NextRetry(2))
	assert.Equal(t, 5*time.Second, s.NextRetry(1000))

	unbounded := backoffFor(time.Hour)
	assert.Equal(t, maxBackoff, unbounded.NextRetry(64))
}
