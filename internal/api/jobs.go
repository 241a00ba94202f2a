package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/t77yq/opsgate/internal/model"
	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/storage"
)

// Durations are exchanged as Go duration strings ("30s", "1h30m")

type scheduleRequest struct {
	Type           model.ScheduleType `json:"type"`
	CronExpression string             `json:"cron_expression,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	ExecuteAt      *time.Time         `json:"execute_at,omitempty"`
	Interval       string             `json:"interval,omitempty"`
}

type retryRequest struct {
	MaxRetries uint   `json:"max_retries"`
	Backoff    string `json:"backoff,omitempty"`
}

type jobRequest struct {
	Name        string             `json:"name"`
	Schedule    *scheduleRequest   `json:"schedule"`
	Handler     string             `json:"handler"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Priority    *model.JobPriority `json:"priority,omitempty"`
	RetryPolicy *retryRequest      `json:"retry_policy,omitempty"`
	Timeout     string             `json:"timeout,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
}

type scheduleView struct {
	Type           model.ScheduleType `json:"type"`
	CronExpression string             `json:"cron_expression,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	ExecuteAt      *time.Time         `json:"execute_at,omitempty"`
	Interval       string             `json:"interval,omitempty"`
}

type retryView struct {
	MaxRetries uint   `json:"max_retries"`
	Backoff    string `json:"backoff"`
}

type jobView struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Schedule        scheduleView          `json:"schedule"`
	Handler         string                `json:"handler,omitempty"`
	Payload         json.RawMessage       `json:"payload,omitempty"`
	Priority        model.JobPriority     `json:"priority"`
	RetryPolicy     retryView             `json:"retry_policy"`
	Timeout         string                `json:"timeout"`
	Enabled         bool                  `json:"enabled"`
	Running         bool                  `json:"running"`
	RetriesUsed     uint                  `json:"retries_used"`
	LastStatus      model.ExecutionStatus `json:"last_status,omitempty"`
	LastExecutedAt  *time.Time            `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time            `json:"next_execution_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func newJobView(job model.Job) jobView {
	v := jobView{
		ID:   job.ID,
		Name: job.Name,
		Schedule: scheduleView{
			Type:           job.Schedule.Type,
			CronExpression: job.Schedule.CronExpression,
			Timezone:       job.Schedule.Timezone,
			ExecuteAt:      job.Schedule.ExecuteAt,
		},
		Handler:  job.HandlerName,
		Payload:  job.Payload,
		Priority: job.Priority,
		RetryPolicy: retryView{
			MaxRetries: job.RetryPolicy.MaxRetries,
			Backoff:    job.RetryPolicy.Backoff.String(),
		},
		Timeout:         job.Timeout.String(),
		Enabled:         job.Enabled,
		Running:         job.Running,
		RetriesUsed:     job.RetriesUsed,
		LastStatus:      job.LastStatus,
		LastExecutedAt:  job.LastExecutedAt,
		NextExecutionAt: job.NextExecutionAt,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.Schedule.Type == model.ScheduleInterval {
		v.Schedule.Interval = job.Schedule.Interval.String()
	}
	return v
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "invalid %s", field), errBadRequest)
	}
	return d, nil
}

func (req *scheduleRequest) toModel() (model.Schedule, error) {
	s := model.Schedule{
		Type:           req.Type,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		ExecuteAt:      req.ExecuteAt,
	}
	if req.Interval != "" {
		d, err := parseDuration("schedule.interval", req.Interval)
		if err != nil {
			return model.Schedule{}, err
		}
		s.Interval = d
	}
	return s, nil
}

func (req *retryRequest) toModel() (model.RetryPolicy, error) {
	p := model.RetryPolicy{MaxRetries: req.MaxRetries}
	if req.Backoff != "" {
		d, err := parseDuration("retry_policy.backoff", req.Backoff)
		if err != nil {
			return model.RetryPolicy{}, err
		}
		p.Backoff = d
	}
	return p, nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Schedule == nil {
		s.respondError(w, r, errors.Mark(errors.New("schedule is required"), errBadRequest))
		return
	}
	if req.Handler == "" {
		s.respondError(w, r, errors.Mark(errors.New("handler is required"), errBadRequest))
		return
	}

	spec := scheduler.JobSpec{
		Name:        req.Name,
		HandlerName: req.Handler,
		Payload:     req.Payload,
	}

	var err error
	if spec.Schedule, err = req.Schedule.toModel(); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}
	if req.RetryPolicy != nil {
		if spec.RetryPolicy, err = req.RetryPolicy.toModel(); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if req.Timeout != "" {
		if spec.Timeout, err = parseDuration("timeout", req.Timeout); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		spec.Disabled = !*req.Enabled
	}

	if spec.Handler, err = s.deps.Handlers.Build(req.Handler, req.Payload); err != nil {
		s.respondError(w, r, err)
		return
	}

	id, err := s.deps.Jobs.Register(spec)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var filters scheduler.JobFilters
	q := r.URL.Query()

	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, r, errors.Mark(errors.Wrap(err, "invalid enabled filter"), errBadRequest))
			return
		}
		filters.Enabled = &enabled
	}
	for _, v := range q["priority"] {
		p, err := model.ParsePriority(v)
		if err != nil {
			s.respondError(w, r, errors.Mark(err, errBadRequest))
			return
		}
		filters.Priority = append(filters.Priority, p)
	}
	for _, v := range q["type"] {
		filters.Type = append(filters.Type, model.ScheduleType(v))
	}

	jobs := s.deps.Jobs.List(filters)
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": len(views)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// updateJob applies the fields present in the body. A new handler or
// payload rebuilds the handler from the merged name and payload.
func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	var patch scheduler.JobPatch
	if req.Name != "" {
		patch.Name = &req.Name
	}
	if req.Schedule != nil {
		sched, err := req.Schedule.toModel()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		patch.Schedule = &sched
	}
	if req.Priority != nil {
		patch.Priority = req.Priority
	}
	if req.RetryPolicy != nil {
		policy, err := req.RetryPolicy.toModel()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		patch.RetryPolicy = &policy
	}
	if req.Timeout != "" {
		timeout, err := parseDuration("timeout", req.Timeout)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		patch.Timeout = &timeout
	}
	patch.Enabled = req.Enabled

	if req.Handler != "" || req.Payload != nil {
		name, payload := current.HandlerName, current.Payload
		if req.Handler != "" {
			name = req.Handler
		}
		if req.Payload != nil {
			payload = req.Payload
		}
		h, err := s.deps.Handlers.Build(name, payload)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		patch.Handler = h
		patch.HandlerName = &name
		patch.Payload = payload
	}

	job, err := s.deps.Jobs.Update(id, patch)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// deleteJob is idempotent; an in-flight execution is left to finish
func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	s.deps.Jobs.Unregister(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	job, err := s.deps.Jobs.SetEnabled(chi.URLParam(r, "id"), enabled)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) jobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Jobs.Get(id); err != nil {
		// History outlives the job; only reject ids never seen in either
		execs, herr := s.deps.History.ForJob(r.Context(), id)
		if herr != nil || len(execs) == 0 {
			s.respondError(w, r, err)
			return
		}
	}
	s.writeExecutions(w, r, id)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	s.writeExecutions(w, r, r.URL.Query().Get("job_id"))
}

func (s *Server) writeExecutions(w http.ResponseWriter, r *http.Request, jobID string) {
	filter := storage.ExecutionFilter{
		JobID:  jobID,
		Status: model.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:  100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.respondError(w, r, errors.Mark(errors.Newf("invalid limit %q", v), errBadRequest))
			return
		}
		filter.Limit = limit
	}

	execs, err := s.deps.History.List(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, errors.Wrap(err, "failed to list executions"))
		return
	}
	if execs == nil {
		execs = []*model.JobExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "total": len(execs)})
}
