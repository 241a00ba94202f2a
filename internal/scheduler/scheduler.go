package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/t77yq/opsgate/internal/model"
)

// Handler is the executable unit behind a job. The scheduler never looks
// inside it; it only calls Execute under the job's timeout.
type Handler interface {
	Execute(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(ctx context.Context) error

// Execute calls f(ctx)
func (f HandlerFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// JobSpec describes a job to register
type JobSpec struct {
	Name        string
	Schedule    model.Schedule
	Handler     Handler
	HandlerName string
	Payload     json.RawMessage
	Priority    model.JobPriority
	RetryPolicy model.RetryPolicy
	Timeout     time.Duration
	Disabled    bool
}

// JobPatch carries optional changes for an existing job. Nil fields are left
// untouched.
type JobPatch struct {
	Name        *string
	Schedule    *model.Schedule
	Handler     Handler
	HandlerName *string
	Payload     json.RawMessage
	Priority    *model.JobPriority
	RetryPolicy *model.RetryPolicy
	Timeout     *time.Duration
	Enabled     *bool
}

// JobFilters defines the filters for listing jobs
type JobFilters struct {
	Enabled  *bool
	Priority []model.JobPriority
	Type     []model.ScheduleType
}

func (f JobFilters) matches(job *model.Job) bool {
	if f.Enabled != nil && job.Enabled != *f.Enabled {
		return false
	}

	if len(f.Priority) > 0 {
		priorityMatch := false
		for _, p := range f.Priority {
			if job.Priority == p {
				priorityMatch = true
				break
			}
		}
		if !priorityMatch {
			return false
		}
	}

	if len(f.Type) > 0 {
		typeMatch := false
		for _, t := range f.Type {
			if job.Schedule.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}

	return true
}

// ExecutionRecorder persists execution records
type ExecutionRecorder interface {
	Append(ctx context.Context, exec *model.JobExecution) error
}

// ExecutionPublisher announces execution records to other processes
type ExecutionPublisher interface {
	PublishExecution(ctx context.Context, exec *model.JobExecution) error
}
