// Package executor runs a plan's tasks concurrently, honoring the
// dependency graph and a concurrency bound. Dispatch is deterministic:
// when more tasks are eligible than slots are free, lexically smaller task
// ids go first. A failed task blocks only its transitive dependents;
// independent branches run to completion.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/graph"
	"github.com/gantryhq/gantry/internal/metrics"
)

// TaskRunner executes one task to completion. A nil error marks the task
// succeeded; the result carries its artifacts. A non-nil error marks it
// failed and blocks its transitive dependents.
type TaskRunner interface {
	RunTask(ctx context.Context, task *domain.Task) (*domain.TaskResult, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task *domain.Task) (*domain.TaskResult, error)

// RunTask calls the function.
func (f TaskRunnerFunc) RunTask(ctx context.Context, task *domain.Task) (*domain.TaskResult, error) {
	return f(ctx, task)
}

// ProgressFunc observes every task status change. The executor calls it
// synchronously from the scheduler loop with a snapshot of all statuses,
// so implementations can checkpoint a consistent view.
type ProgressFunc func(statuses map[string]constants.TaskStatus)

// Executor schedules tasks for one plan at a time. Safe for reuse across
// plans; a single Execute call must not be invoked concurrently with
// itself.
type Executor struct {
	maxConcurrency int
	taskTimeout    time.Duration
	runner         TaskRunner
	onProgress     ProgressFunc
	logger         zerolog.Logger
	metrics        metrics.Recorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency bounds simultaneous task execution. Values below 1
// fall back to the default.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) {
		if n >= 1 {
			e.maxConcurrency = n
		}
	}
}

// WithTaskTimeout bounds each task execution.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithProgress installs a status-change observer.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Executor) { e.onProgress = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = recorder }
}

// New creates an Executor that runs tasks with the given runner.
func New(runner TaskRunner, opts ...Option) *Executor {
	e := &Executor{
		maxConcurrency: constants.DefaultMaxConcurrency,
		taskTimeout:    constants.DefaultTaskTimeout,
		runner:         runner,
		logger:         zerolog.Nop(),
		metrics:        metrics.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// taskDone carries one finished task back to the scheduler loop.
type taskDone struct {
	id       string
	result   *domain.TaskResult
	err      error
	duration time.Duration
}

// Execute runs the plan's tasks. completed pre-marks tasks already
// succeeded in an earlier run (resume); they are never re-dispatched.
//
// On context cancellation no new tasks start, in-flight tasks are allowed
// to observe the cancellation and finish, and the outcome reports the
// remainder as canceled. Execute itself returns the outcome rather than an
// error in that case so the caller can checkpoint final statuses.
func (e *Executor) Execute(ctx context.Context, plan *domain.Plan, completed map[string]bool) (*domain.PlanOutcome, map[string]constants.TaskStatus, error) {
	g, err := graph.Build(plan.Tasks)
	if err != nil {
		return nil, nil, err
	}

	statuses := make(map[string]constants.TaskStatus, len(plan.Tasks))
	tasksByID := make(map[string]*domain.Task, len(plan.Tasks))
	for _, task := range plan.Tasks {
		tasksByID[task.TaskID] = task
		if completed[task.TaskID] {
			statuses[task.TaskID] = constants.TaskStatusSucceeded
		} else {
			statuses[task.TaskID] = constants.TaskStatusBlocked
		}
	}

	start := time.Now()
	results := make(chan taskDone)
	taskErrs := make(map[string]error)
	inFlight := 0
	canceled := false
	cancelCh := ctx.Done()

	for {
		if !canceled {
			for _, id := range g.ReadySet(statuses) {
				if inFlight >= e.maxConcurrency {
					break
				}
				statuses[id] = constants.TaskStatusRunning
				inFlight++
				e.logger.Debug().Str("task_id", id).Msg("task dispatched")
				go e.runTask(ctx, tasksByID[id], results)
			}
			e.notify(statuses)
		}

		if inFlight == 0 {
			break
		}

		select {
		case done := <-results:
			inFlight--
			task := tasksByID[done.id]
			task.Result = done.result
			if done.err != nil {
				statuses[done.id] = constants.TaskStatusFailed
				task.Status = constants.TaskStatusFailed
				taskErrs[done.id] = done.err
				if task.Result == nil {
					task.Result = &domain.TaskResult{}
				}
				task.Result.Error = done.err.Error()
				e.logger.Warn().Str("task_id", done.id).Err(done.err).
					Dur("duration", done.duration).Msg("task failed")
			} else {
				statuses[done.id] = constants.TaskStatusSucceeded
				task.Status = constants.TaskStatusSucceeded
				e.logger.Info().Str("task_id", done.id).
					Dur("duration", done.duration).Msg("task succeeded")
			}
			e.metrics.TaskCompleted(statuses[done.id], done.duration)
			e.notify(statuses)

		case <-cancelCh:
			// Stop dispatching; drain in-flight tasks so their final
			// statuses make it into the last checkpoint. A nil channel
			// keeps this arm from firing again.
			canceled = true
			cancelCh = nil
		}
	}

	outcome := e.buildOutcome(plan, g, statuses, canceled, time.Since(start))
	if len(taskErrs) > 0 {
		outcome.TaskErrors = taskErrs
	}
	return outcome, statuses, nil
}

// runTask executes one task with the per-task timeout.
func (e *Executor) runTask(ctx context.Context, task *domain.Task, results chan<- taskDone) {
	runCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	task.Attempts++
	start := time.Now()
	result, err := e.runner.RunTask(runCtx, task)
	results <- taskDone{
		id:       task.TaskID,
		result:   result,
		err:      err,
		duration: time.Since(start),
	}
}

// notify invokes the progress observer with a defensive copy.
func (e *Executor) notify(statuses map[string]constants.TaskStatus) {
	if e.onProgress == nil {
		return
	}
	snapshot := make(map[string]constants.TaskStatus, len(statuses))
	for id, status := range statuses {
		snapshot[id] = status
	}
	e.onProgress(snapshot)
}

// buildOutcome summarizes terminal statuses. Tasks still blocked at exit
// are attributed to cancellation when the run was canceled, otherwise to a
// failed ancestor.
func (e *Executor) buildOutcome(plan *domain.Plan, g *graph.Graph, statuses map[string]constants.TaskStatus, canceled bool, duration time.Duration) *domain.PlanOutcome {
	outcome := &domain.PlanOutcome{
		PlanID:   plan.PlanID,
		Duration: duration,
	}

	for _, id := range g.TaskIDs() {
		switch statuses[id] {
		case constants.TaskStatusSucceeded:
			outcome.Succeeded = append(outcome.Succeeded, id)
		case constants.TaskStatusFailed:
			outcome.Failed = append(outcome.Failed, id)
		case constants.TaskStatusBlocked, constants.TaskStatusReady, constants.TaskStatusRunning:
			if canceled {
				outcome.Canceled = append(outcome.Canceled, id)
			} else {
				outcome.Blocked = append(outcome.Blocked, id)
			}
		}
	}

	outcome.Success = !canceled && len(outcome.Failed) == 0 && len(outcome.Blocked) == 0
	return outcome
}
