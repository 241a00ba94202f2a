package model

import "time"

// ExecutionStatus represents the state of a job execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if no further state change follows
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// JobExecution is one attempt of one job. Records are append-only.
//
// A failed attempt that will be retried carries RetryAt; a failed attempt
// without RetryAt exhausted the retry policy.
type JobExecution struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	JobName      string          `json:"job_name"`
	Attempt      uint            `json:"attempt"`
	Status       ExecutionStatus `json:"status"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Duration     time.Duration   `json:"duration"`
	Error        string          `json:"error,omitempty"`
	RetryAt      *time.Time      `json:"retry_at,omitempty"`
}
