package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
)

// DefaultJobTimeout applies when a job spec leaves Timeout unset
const DefaultJobTimeout = 30 * time.Second

type entry struct {
	job     model.Job
	handler Handler
}

// Registry owns the table of scheduled jobs. Every mutation happens under
// one mutex so a tick never observes a half-updated job.
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	jobs    map[string]*entry
	timeNow func() time.Time
}

// NewRegistry creates an empty job registry
func NewRegistry(logger *zap.Logger) *Registry {
	return NewRegistryWithClock(logger, time.Now)
}

// NewRegistryWithClock creates a registry with an injectable clock (for testing)
func NewRegistryWithClock(logger *zap.Logger, timeNow func() time.Time) *Registry {
	return &Registry{
		logger:  logger.Named("job-registry"),
		jobs:    make(map[string]*entry),
		timeNow: timeNow,
	}
}

func validateSpec(spec *JobSpec) error {
	if err := ValidateSchedule(spec.Schedule); err != nil {
		return err
	}
	if spec.Handler == nil {
		return errors.Mark(errors.New("job handler is required"), ErrInvalidJob)
	}
	if spec.Priority == 0 {
		spec.Priority = model.JobPriorityNormal
	}
	if !spec.Priority.Valid() {
		return errors.Mark(errors.Newf("invalid priority %d", int(spec.Priority)), ErrInvalidJob)
	}
	if spec.Timeout < 0 {
		return errors.Mark(errors.Newf("timeout must not be negative, got %s", spec.Timeout), ErrInvalidJob)
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultJobTimeout
	}
	return nil
}

// Register validates spec, computes its first execution time and adds it to
// the pending pool. The job becomes visible to the next tick.
func (r *Registry) Register(spec JobSpec) (string, error) {
	if err := validateSpec(&spec); err != nil {
		return "", err
	}

	now := r.timeNow()
	next, err := firstRun(spec.Schedule, now)
	if err != nil {
		return "", err
	}

	job := model.Job{
		ID:              uuid.New().String(),
		Name:            spec.Name,
		Schedule:        spec.Schedule,
		HandlerName:     spec.HandlerName,
		Payload:         spec.Payload,
		Priority:        spec.Priority,
		RetryPolicy:     spec.RetryPolicy,
		Timeout:         spec.Timeout,
		Enabled:         !spec.Disabled,
		NextExecutionAt: &next,
		LastStatus:      model.ExecutionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	job = snapshot(job)

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job, handler: spec.Handler}
	r.mu.Unlock()

	r.logger.Info("Registered job",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("type", string(job.Schedule.Type)),
		zap.Stringer("priority", job.Priority),
		zap.Time("next_run", next))

	return job.ID, nil
}

// Unregister removes a job. Removing an unknown job is a no-op. An
// execution already in flight is not cancelled.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("Unregistered job", zap.String("job_id", id))
	}
}

// Get returns a snapshot of one job
func (r *Registry) Get(id string) (model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return model.Job{}, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return snapshot(e.job), nil
}

// List returns snapshots of all jobs matching filters, oldest first
func (r *Registry) List(filters JobFilters) []model.Job {
	r.mu.RLock()
	jobs := make([]model.Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		if filters.matches(&e.job) {
			jobs = append(jobs, snapshot(e.job))
		}
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// Len returns the number of registered jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// NextDue returns the enabled job with the earliest next execution time
func (r *Registry) NextDue() (model.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next *model.Job
	for _, e := range r.jobs {
		if !e.job.Enabled || e.job.NextExecutionAt == nil {
			continue
		}
		if next == nil || e.job.NextExecutionAt.Before(*next.NextExecutionAt) {
			next = &e.job
		}
	}
	if next == nil {
		return model.Job{}, false
	}
	return snapshot(*next), true
}

// Update applies patch to a registered job. A schedule change recomputes the
// next execution time and resets the retry counter.
func (r *Registry) Update(id string, patch JobPatch) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return model.Job{}, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}

	spec := JobSpec{
		Name:        e.job.Name,
		Schedule:    e.job.Schedule,
		Handler:     e.handler,
		HandlerName: e.job.HandlerName,
		Payload:     e.job.Payload,
		Priority:    e.job.Priority,
		RetryPolicy: e.job.RetryPolicy,
		Timeout:     e.job.Timeout,
		Disabled:    !e.job.Enabled,
	}
	if patch.Name != nil {
		spec.Name = *patch.Name
	}
	if patch.Schedule != nil {
		spec.Schedule = *patch.Schedule
	}
	if patch.Handler != nil {
		spec.Handler = patch.Handler
	}
	if patch.HandlerName != nil {
		spec.HandlerName = *patch.HandlerName
	}
	if patch.Payload != nil {
		spec.Payload = patch.Payload
	}
	if patch.Priority != nil {
		spec.Priority = *patch.Priority
	}
	if patch.RetryPolicy != nil {
		spec.RetryPolicy = *patch.RetryPolicy
	}
	if patch.Timeout != nil {
		spec.Timeout = *patch.Timeout
	}
	if patch.Enabled != nil {
		spec.Disabled = !*patch.Enabled
	}

	if err := validateSpec(&spec); err != nil {
		return model.Job{}, err
	}

	now := r.timeNow()
	job := e.job
	if patch.Schedule != nil {
		next, err := firstRun(spec.Schedule, now)
		if err != nil {
			return model.Job{}, err
		}
		job.NextExecutionAt = &next
		job.RetriesUsed = 0
	}
	if spec.Name != "" {
		job.Name = spec.Name
	}
	job.Schedule = spec.Schedule
	job.HandlerName = spec.HandlerName
	job.Payload = spec.Payload
	job.Priority = spec.Priority
	job.RetryPolicy = spec.RetryPolicy
	job.Timeout = spec.Timeout
	job.Enabled = !spec.Disabled
	job.UpdatedAt = now

	e.job = job
	e.handler = spec.Handler

	r.logger.Info("Updated job", zap.String("job_id", id), zap.Bool("enabled", job.Enabled))
	return snapshot(job), nil
}

// SetEnabled pauses or resumes a job. A paused job keeps its schedule but is
// never claimed.
func (r *Registry) SetEnabled(id string, enabled bool) (model.Job, error) {
	return r.Update(id, JobPatch{Enabled: &enabled})
}

// dispatch is a due job claimed by the runner
type dispatch struct {
	job     model.Job
	handler Handler
}

// claimDue selects every enabled, idle job due at now, marks it running and
// returns them ordered by priority (highest first) then due time (earliest
// first). Jobs still in flight are skipped rather than queued.
func (r *Registry) claimDue(now time.Time) []dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []dispatch
	for _, e := range r.jobs {
		if !e.job.Enabled || e.job.Running || e.job.NextExecutionAt == nil {
			continue
		}
		if e.job.NextExecutionAt.After(now) {
			continue
		}
		e.job.Running = true
		e.job.LastStatus = model.ExecutionStatusRunning
		due = append(due, dispatch{job: snapshot(e.job), handler: e.handler})
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].job, due[j].job
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.NextExecutionAt.Equal(*b.NextExecutionAt) {
			return a.NextExecutionAt.Before(*b.NextExecutionAt)
		}
		return a.ID < b.ID
	})
	return due
}

// attemptOutcome is the registry's decision after one attempt
type attemptOutcome struct {
	status  model.ExecutionStatus
	attempt uint
	retryAt *time.Time
	next    *time.Time
	removed bool
}

// finish applies the result of one attempt of job id at time at. It
// releases the running mark and decides between completion, retry, terminal
// failure and removal.
func (r *Registry) finish(id string, runErr error, at time.Time) attemptOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		// Unregistered while in flight
		out := attemptOutcome{status: model.ExecutionStatusCompleted, attempt: 1, removed: true}
		switch {
		case errors.Is(runErr, ErrCancelled):
			out.status = model.ExecutionStatusCancelled
		case runErr != nil:
			out.status = model.ExecutionStatusFailed
		}
		return out
	}

	job := &e.job
	out := attemptOutcome{attempt: job.RetriesUsed + 1}
	job.Running = false
	job.LastExecutedAt = &at
	job.UpdatedAt = at

	switch {
	case runErr == nil:
		out.status = model.ExecutionStatusCompleted
		job.RetriesUsed = 0
		r.advance(e, at, &out)

	case errors.Is(runErr, ErrCancelled):
		// Shutdown interrupted the attempt. Once jobs keep their slot so a
		// later runner picks them up again.
		out.status = model.ExecutionStatusCancelled
		if job.Schedule.Recurring() {
			r.advance(e, at, &out)
		} else {
			out.next = job.NextExecutionAt
		}

	case job.RetriesUsed < job.RetryPolicy.MaxRetries:
		out.status = model.ExecutionStatusFailed
		retryAt := at.Add(backoffFor(job.RetryPolicy.Backoff).NextRetry(job.RetriesUsed))
		job.RetriesUsed++
		job.NextExecutionAt = &retryAt
		out.retryAt = &retryAt
		out.next = &retryAt

	default:
		out.status = model.ExecutionStatusFailed
		job.RetriesUsed = 0
		r.advance(e, at, &out)
	}

	job.LastStatus = out.status
	return out
}

// advance moves a job past a finished occurrence: recurring jobs get their
// next occurrence computed from at, one-shot jobs leave the registry.
// Caller holds mu.
func (r *Registry) advance(e *entry, at time.Time, out *attemptOutcome) {
	job := &e.job
	if !job.Schedule.Recurring() {
		delete(r.jobs, job.ID)
		out.removed = true
		return
	}

	next, err := nextRecurrence(job.Schedule, at)
	if err != nil {
		// Validated at registration, so this only happens for schedules
		// that can never fire again
		job.Enabled = false
		job.NextExecutionAt = nil
		r.logger.Error("Disabled job with exhausted schedule",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	job.NextExecutionAt = &next
	out.next = &next
}

// snapshot returns a copy of job that shares no pointers with the registry
func snapshot(job model.Job) model.Job {
	if job.LastExecutedAt != nil {
		t := *job.LastExecutedAt
		job.LastExecutedAt = &t
	}
	if job.NextExecutionAt != nil {
		t := *job.NextExecutionAt
		job.NextExecutionAt = &t
	}
	if job.Schedule.ExecuteAt != nil {
		t := *job.Schedule.ExecuteAt
		job.Schedule.ExecuteAt = &t
	}
	if job.Payload != nil {
		job.Payload = append([]byte(nil), job.Payload...)
	}
	return job
}
