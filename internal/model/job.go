package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScheduleType selects which of the schedule fields drives a job
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
)

// Schedule describes when a job runs. Exactly one of CronExpression,
// ExecuteAt and Interval is set, matching Type.
type Schedule struct {
	Type           ScheduleType  `json:"type"`
	CronExpression string        `json:"cron_expression,omitempty"`
	Timezone       string        `json:"timezone,omitempty"`
	ExecuteAt      *time.Time    `json:"execute_at,omitempty"`
	Interval       time.Duration `json:"interval,omitempty"`
}

// Recurring reports whether the job returns to the pending pool after a run
func (s Schedule) Recurring() bool {
	return s.Type == ScheduleCron || s.Type == ScheduleInterval
}

// JobPriority orders due jobs within a single tick
type JobPriority int

const (
	JobPriorityLow JobPriority = iota + 1
	JobPriorityNormal
	JobPriorityHigh
	JobPriorityCritical
)

var priorityNames = map[JobPriority]string{
	JobPriorityLow:      "low",
	JobPriorityNormal:   "normal",
	JobPriorityHigh:     "high",
	JobPriorityCritical: "critical",
}

func (p JobPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the declared levels
func (p JobPriority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name into a JobPriority. An empty name
// yields JobPriorityNormal.
func ParsePriority(name string) (JobPriority, error) {
	if name == "" {
		return JobPriorityNormal, nil
	}
	for p, n := range priorityNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

func (p JobPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *JobPriority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RetryPolicy controls how failed attempts are rescheduled
type RetryPolicy struct {
	MaxRetries uint          `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
}

// Job is a scheduled unit of work. The executable handler lives in the
// scheduler registry; HandlerName and Payload describe it for display.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Schedule    Schedule        `json:"schedule"`
	HandlerName string          `json:"handler_name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    JobPriority     `json:"priority"`
	RetryPolicy RetryPolicy     `json:"retry_policy"`
	Timeout     time.Duration   `json:"timeout"`
	Enabled     bool            `json:"enabled"`
	RetriesUsed uint            `json:"retries_used"`
	Running     bool            `json:"running"`

	LastExecutedAt  *time.Time      `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time      `json:"next_execution_at,omitempty"`
	LastStatus      ExecutionStatus `json:"last_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
