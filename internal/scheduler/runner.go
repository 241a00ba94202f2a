package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/opsgate/internal/model"
)

// RunnerState is the phase of the tick loop
type RunnerState string

const (
	RunnerStateIdle        RunnerState = "idle"
	RunnerStateScanning    RunnerState = "scanning"
	RunnerStateDispatching RunnerState = "dispatching"
	RunnerStateStopped     RunnerState = "stopped"
)

// RunnerConfig contains configuration for the job runner
type RunnerConfig struct {
	TickInterval time.Duration // How often due jobs are scanned (default: 1 second)
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickInterval: time.Second,
	}
}

// RunnerStats is a point-in-time view of the runner for health reporting
type RunnerStats struct {
	State     RunnerState `json:"state"`
	Ticks     int64       `json:"ticks"`
	LastTick  time.Time   `json:"last_tick"`
	InFlight  int         `json:"in_flight"`
	Completed int64       `json:"completed"`
	Failed    int64       `json:"failed"`
}

// Runner advances time over the registry and executes due jobs. It is the
// fault barrier for handlers: a handler error, panic or timeout becomes an
// execution record, never a crash.
//
// Delivery is at-least-once. A process crash between running a handler and
// recording its outcome re-runs the job after restart if the registry is
// rebuilt. Only one runner per registry is supported; several processes
// sharing the same jobs would execute them more than once.
type Runner struct {
	logger    *zap.Logger
	registry  *Registry
	recorder  ExecutionRecorder
	publisher ExecutionPublisher
	interval  time.Duration
	timeNow   func() time.Time

	mu        sync.Mutex
	state     RunnerState
	ticks     int64
	lastTick  time.Time
	inFlight  int
	completed int64
	failed    int64

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRunner creates a job runner. publisher may be nil.
func NewRunner(registry *Registry, recorder ExecutionRecorder, publisher ExecutionPublisher, cfg RunnerConfig, logger *zap.Logger) *Runner {
	return NewRunnerWithClock(registry, recorder, publisher, cfg, logger, time.Now)
}

// NewRunnerWithClock creates a runner with an injectable clock (for testing)
func NewRunnerWithClock(registry *Registry, recorder ExecutionRecorder, publisher ExecutionPublisher, cfg RunnerConfig, logger *zap.Logger, timeNow func() time.Time) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultRunnerConfig().TickInterval
	}
	return &Runner{
		logger:    logger.Named("job-runner"),
		registry:  registry,
		recorder:  recorder,
		publisher: publisher,
		interval:  cfg.TickInterval,
		timeNow:   timeNow,
		state:     RunnerStateIdle,
	}
}

// Start begins the tick loop. Cancelling ctx or calling Stop ends it.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.stopped = make(chan struct{})
	r.state = RunnerStateIdle
	stopped := r.stopped
	r.mu.Unlock()

	go r.run(runCtx, stopped)
	r.logger.Info("Job runner started", zap.Duration("interval", r.interval))
}

// Stop ends the tick loop and waits for in-flight executions to settle.
// Running handlers see their context cancelled and their attempts are
// recorded as cancelled.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	r.Wait()

	r.setState(RunnerStateStopped)
	r.logger.Info("Job runner stopped")
}

func (r *Runner) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx, r.timeNow())
		}
	}
}

// Tick performs one scan: it claims every job due at now and launches the
// group without waiting for it. It returns the number of jobs launched.
func (r *Runner) Tick(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	r.state = RunnerStateScanning
	r.ticks++
	r.lastTick = now
	r.mu.Unlock()

	due := r.registry.claimDue(now)

	r.mu.Lock()
	r.state = RunnerStateDispatching
	r.inFlight += len(due)
	r.mu.Unlock()

	if len(due) > 0 {
		var g errgroup.Group
		for _, d := range due {
			d := d
			g.Go(func() error {
				r.execute(ctx, d)
				return nil
			})
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = g.Wait()
			r.logger.Debug("Tick group finished", zap.Int("jobs", len(due)), zap.Time("tick", now))
		}()
	}

	r.setState(RunnerStateIdle)
	return len(due)
}

// Wait blocks until every launched execution has been recorded
func (r *Runner) Wait() {
	r.wg.Wait()
}

// State returns the current phase of the tick loop
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns counters for health reporting
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerStats{
		State:     r.state,
		Ticks:     r.ticks,
		LastTick:  r.lastTick,
		InFlight:  r.inFlight,
		Completed: r.completed,
		Failed:    r.failed,
	}
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	if r.state != RunnerStateStopped || s == RunnerStateStopped {
		r.state = s
	}
	r.mu.Unlock()
}

// execute runs one claimed job and records the attempt
func (r *Runner) execute(ctx context.Context, d dispatch) {
	job := d.job
	startedAt := r.timeNow()

	runErr := r.invoke(ctx, d.handler, job.Timeout)

	finishedAt := r.timeNow()
	out := r.registry.finish(job.ID, runErr, finishedAt)

	exec := &model.JobExecution{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		JobName:    job.Name,
		Attempt:    out.attempt,
		Status:     out.status,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		RetryAt:    out.retryAt,
	}
	if job.NextExecutionAt != nil {
		exec.ScheduledFor = *job.NextExecutionAt
	}
	if runErr != nil {
		exec.Error = runErr.Error()
	}

	r.mu.Lock()
	r.inFlight--
	switch out.status {
	case model.ExecutionStatusCompleted:
		r.completed++
	case model.ExecutionStatusFailed:
		r.failed++
	}
	r.mu.Unlock()

	r.logAttempt(exec, out, runErr)
	r.record(exec)
}

// invoke calls the handler under timeout. The timeout is advisory: when it
// fires the attempt is over for the runner, but a handler that ignores its
// context keeps running in the background until it returns on its own.
func (r *Runner) invoke(ctx context.Context, h Handler, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.Mark(errors.Newf("handler panicked: %v", p), ErrHandler)
			}
		}()
		done <- h.Execute(hctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrHandler) {
			return err
		}
		return r.classify(ctx, hctx, err, timeout)
	case <-hctx.Done():
		return r.classify(ctx, hctx, hctx.Err(), timeout)
	}
}

// classify maps a handler failure onto the runner's error taxonomy
func (r *Runner) classify(parent, hctx context.Context, err error, timeout time.Duration) error {
	switch {
	case parent.Err() != nil:
		return errors.Mark(errors.Wrap(err, "runner stopped"), ErrCancelled)
	case errors.Is(hctx.Err(), context.DeadlineExceeded):
		return errors.Mark(errors.Wrapf(err, "exceeded timeout of %s", timeout), ErrTimeout)
	default:
		return errors.Mark(errors.Wrap(err, "handler returned error"), ErrHandler)
	}
}

func (r *Runner) logAttempt(exec *model.JobExecution, out attemptOutcome, runErr error) {
	fields := []zap.Field{
		zap.String("job_id", exec.JobID),
		zap.String("job_name", exec.JobName),
		zap.String("execution_id", exec.ID),
		zap.Uint("attempt", uint(exec.Attempt)),
		zap.Duration("duration", exec.Duration),
	}
	if out.next != nil {
		fields = append(fields, zap.Time("next_run", *out.next))
	}

	switch {
	case runErr == nil:
		r.logger.Info("Job completed", fields...)
	case out.retryAt != nil:
		r.logger.Warn("Job failed, retry scheduled", append(fields, zap.Time("retry_at", *out.retryAt), zap.Error(runErr))...)
	case exec.Status == model.ExecutionStatusCancelled:
		r.logger.Warn("Job cancelled", append(fields, zap.Error(runErr))...)
	default:
		r.logger.Error("Job failed permanently", append(fields, zap.Error(runErr))...)
	}
	if out.removed {
		r.logger.Debug("Job removed from registry", zap.String("job_id", exec.JobID))
	}
}

// record appends exec to the execution log and publishes it. Recording
// failures are logged; they never undo the attempt.
func (r *Runner) record(exec *model.JobExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.recorder != nil {
		if err := r.recorder.Append(ctx, exec); err != nil {
			r.logger.Error("Failed to record job execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishExecution(ctx, exec); err != nil {
			r.logger.Warn("Failed to publish job execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
}

// String implements fmt.Stringer for log output
func (s RunnerStats) String() string {
	return fmt.Sprintf("state=%s ticks=%d in_flight=%d completed=%d failed=%d",
		s.State, s.Ticks, s.InFlight, s.Completed, s.Failed)
}
