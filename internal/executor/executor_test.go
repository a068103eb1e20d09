package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

func planOf(tasks ...*domain.Task) *domain.Plan {
	return &domain.Plan{PlanID: "plan-1", Tasks: tasks}
}

func task(id string, deps ...string) *domain.Task {
	return &domain.Task{TaskID: id, DependsOn: deps}
}

// recordingRunner tracks execution order and concurrency.
type recordingRunner struct {
	mu         sync.Mutex
	order      []string
	running    int32
	maxRunning int32

	// fail maps task id to the error it returns.
	fail map[string]error

	// delay slows each task so concurrency overlaps are observable.
	delay time.Duration
}

func (r *recordingRunner) RunTask(ctx context.Context, t *domain.Task) (*domain.TaskResult, error) {
	current := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		max := atomic.LoadInt32(&r.maxRunning)
		if current <= max || atomic.CompareAndSwapInt32(&r.maxRunning, max, current) {
			break
		}
	}

	r.mu.Lock()
	r.order = append(r.order, t.TaskID)
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := r.fail[t.TaskID]; err != nil {
		return nil, err
	}
	return &domain.TaskResult{BranchRef: "gantry/" + t.TaskID}, nil
}

func (r *recordingRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// TestExecuteHappyPath tests full plan completion.
func TestExecuteHappyPath(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	exec := New(runner, WithMaxConcurrency(4))

	plan := planOf(task("T1"), task("T2"), task("T3", "T1", "T2"))
	outcome, statuses, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.ElementsMatch(t, []string{"T1", "T2", "T3"}, outcome.Succeeded)
	assert.Empty(t, outcome.Failed)
	assert.Empty(t, outcome.Blocked)
	for _, id := range []string{"T1", "T2", "T3"} {
		assert.Equal(t, constants.TaskStatusSucceeded, statuses[id])
	}

	// T3 must run after both dependencies.
	order := runner.executed()
	require.Len(t, order, 3)
	assert.Equal(t, "T3", order[2])
}

// TestExecuteDependencyOrdering tests that independent tasks run in
// parallel while dependents wait.
func TestExecuteDependencyOrdering(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{delay: 20 * time.Millisecond}
	exec := New(runner, WithMaxConcurrency(4))

	plan := planOf(task("T1"), task("T2"), task("T3", "T1", "T2"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	// T1 and T2 overlap; maxRunning of at least 2 proves parallelism.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.maxRunning), int32(2))
}

// TestExecuteConcurrencyLimit tests that no more than K tasks overlap.
func TestExecuteConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{delay: 20 * time.Millisecond}
	exec := New(runner, WithMaxConcurrency(2))

	plan := planOf(task("T1"), task("T2"), task("T3"), task("T4"), task("T5"), task("T6"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxRunning), int32(2))
}

// TestExecuteDeterministicDispatch tests lexical tie-breaking when ready
// tasks exceed free slots.
func TestExecuteDeterministicDispatch(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{delay: 10 * time.Millisecond}
	exec := New(runner, WithMaxConcurrency(1))

	plan := planOf(task("zeta"), task("alpha"), task("mid"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, runner.executed())
}

// TestExecuteFailureBlocksDependentsOnly tests the failure cone.
func TestExecuteFailureBlocksDependentsOnly(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{fail: map[string]error{"T1": errors.New("compile error")}}
	exec := New(runner, WithMaxConcurrency(4))

	// T3 depends on failing T1; T2 and its dependent T4 are unaffected.
	plan := planOf(task("T1"), task("T2"), task("T3", "T1"), task("T4", "T2"))
	outcome, statuses, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, []string{"T1"}, outcome.Failed)
	assert.Equal(t, []string{"T3"}, outcome.Blocked)
	assert.ElementsMatch(t, []string{"T2", "T4"}, outcome.Succeeded)
	assert.Equal(t, constants.TaskStatusFailed, statuses["T1"])
	assert.Equal(t, constants.TaskStatusBlocked, statuses["T3"])
	assert.NotContains(t, runner.executed(), "T3")
}

// TestExecuteResume tests that pre-completed tasks are not re-run.
func TestExecuteResume(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	exec := New(runner, WithMaxConcurrency(4))

	plan := planOf(task("T1"), task("T2"), task("T3", "T1", "T2"))
	completed := map[string]bool{"T1": true, "T2": true}

	outcome, _, err := exec.Execute(ctx, plan, completed)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	// Only T3 actually executed.
	assert.Equal(t, []string{"T3"}, runner.executed())
	assert.ElementsMatch(t, []string{"T1", "T2", "T3"}, outcome.Succeeded)
}

// TestExecuteCancellation tests graceful drain on cancellation.
func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{delay: 50 * time.Millisecond}
	exec := New(runner, WithMaxConcurrency(1))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	plan := planOf(task("T1"), task("T2"), task("T3"))
	outcome, statuses, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	// T1 was in flight when the cancel landed; it observed the context and
	// failed. The never-dispatched remainder is reported canceled.
	assert.NotEmpty(t, outcome.Canceled)
	assert.NotContains(t, statuses, "")
	total := len(outcome.Succeeded) + len(outcome.Failed) + len(outcome.Blocked) + len(outcome.Canceled)
	assert.Equal(t, 3, total)
}

// TestExecuteProgressSnapshots tests that the observer sees a terminal
// snapshot consistent with the outcome.
func TestExecuteProgressSnapshots(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}

	var mu sync.Mutex
	var last map[string]constants.TaskStatus
	exec := New(runner,
		WithMaxConcurrency(4),
		WithProgress(func(statuses map[string]constants.TaskStatus) {
			mu.Lock()
			defer mu.Unlock()
			last = statuses
		}))

	plan := planOf(task("T1"), task("T2", "T1"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, last)
	assert.Equal(t, constants.TaskStatusSucceeded, last["T1"])
	assert.Equal(t, constants.TaskStatusSucceeded, last["T2"])
}

// TestExecuteInvalidGraph tests that graph validation surfaces before any
// task runs.
func TestExecuteInvalidGraph(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	exec := New(runner)

	plan := planOf(task("A", "B"), task("B", "A"))
	_, _, err := exec.Execute(ctx, plan, nil)
	require.Error(t, err)

	var cycleErr *gantryerrors.DependencyCycleError
	assert.ErrorAs(t, err, &cycleErr)
	assert.Empty(t, runner.executed())
}

// TestExecuteFailurePreservesTypedErrors tests that the outcome keeps the
// underlying task errors, not just their strings, so a retryable failure
// is still recognizable as retryable downstream.
func TestExecuteFailurePreservesTypedErrors(t *testing.T) {
	ctx := context.Background()
	rateLimit := gantryerrors.NewExternalServiceError("agent", "generate", true, errors.New("rate limited"))
	runner := &recordingRunner{fail: map[string]error{"T1": rateLimit}}
	exec := New(runner, WithMaxConcurrency(4))

	plan := planOf(task("T1"), task("T2"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.False(t, outcome.Success)

	require.Contains(t, outcome.TaskErrors, "T1")
	var ese *gantryerrors.ExternalServiceError
	require.ErrorAs(t, outcome.TaskErrors["T1"], &ese)
	assert.True(t, ese.Retryable)

	taskErr := outcome.TaskError()
	require.Error(t, taskErr)
	assert.True(t, gantryerrors.IsRetryable(taskErr))
}

// TestExecuteFailureRecordsError tests that the task result carries the
// failure message.
func TestExecuteFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{fail: map[string]error{"T1": errors.New("compile error")}}
	exec := New(runner)

	plan := planOf(task("T1"))
	outcome, _, err := exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.False(t, outcome.Success)

	require.NotNil(t, plan.Tasks[0].Result)
	assert.Equal(t, "compile error", plan.Tasks[0].Result.Error)
	assert.Equal(t, 1, plan.Tasks[0].Attempts)
}
