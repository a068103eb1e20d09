package domain

import (
	"errors"
	"time"

	"github.com/gantryhq/gantry/internal/constants"
)

// BranchStrategy controls how implementation tasks map to git branches.
type BranchStrategy string

// Branch strategies.
const (
	// BranchPerTask gives every task its own branch off the base.
	BranchPerTask BranchStrategy = "per_task"

	// BranchShared runs all tasks on a single feature branch.
	BranchShared BranchStrategy = "shared"
)

// Plan is the task-level decomposition of a WorkflowItem's Implementation
// stage. Topology is immutable after creation: adding tasks requires a new
// plan revision.
type Plan struct {
	// PlanID uniquely identifies this plan revision.
	PlanID string `json:"plan_id"`

	// Revision counts plan revisions for the same item, starting at 1.
	Revision int `json:"revision"`

	// Tasks is the set of atomic work units with dependency edges.
	Tasks []*Task `json:"tasks"`

	// BranchStrategy controls branch layout for the plan.
	BranchStrategy BranchStrategy `json:"branch_strategy"`

	// CreatedAt is when this revision was created.
	CreatedAt time.Time `json:"created_at"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}

// CompletedIDs returns the ids of all succeeded tasks.
func (p *Plan) CompletedIDs() map[string]bool {
	done := make(map[string]bool)
	for _, t := range p.Tasks {
		if t.Status == constants.TaskStatusSucceeded {
			done[t.TaskID] = true
		}
	}
	return done
}

// Task is one atomic unit of work within a plan.
type Task struct {
	// TaskID uniquely identifies the task within its plan.
	TaskID string `json:"task_id"`

	// Description is a human-readable summary of the work.
	Description string `json:"description,omitempty"`

	// DependsOn lists task ids that must succeed before this task runs.
	// Every id must reference an existing task in the same plan; a task
	// must not reference itself.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status is the task's current state.
	Status constants.TaskStatus `json:"status"`

	// Attempts counts how many times the task has been executed, across
	// retries and fix cycles.
	Attempts int `json:"attempts"`

	// Result holds the branch ref or diff identifier on success, or the
	// error detail on failure. Nil until the first execution finishes.
	Result *TaskResult `json:"result,omitempty"`
}

// TaskResult captures the outcome of one task execution.
type TaskResult struct {
	// BranchRef is the branch carrying the task's changes.
	BranchRef string `json:"branch_ref,omitempty"`

	// DiffID identifies the produced diff, when the forge exposes one.
	DiffID string `json:"diff_id,omitempty"`

	// Output is trailing output from the task execution (truncated).
	Output string `json:"output,omitempty"`

	// Error is the failure detail when the task did not succeed.
	Error string `json:"error,omitempty"`

	// CompletedAt is when the task reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// PlanOutcome aggregates per-task status after a plan execution.
// Success is true only if every task succeeded; otherwise Failed and
// Blocked carry the task ids the recovery manager needs.
type PlanOutcome struct {
	// PlanID identifies the executed plan.
	PlanID string `json:"plan_id"`

	// Success is true iff every task succeeded.
	Success bool `json:"success"`

	// Succeeded lists ids of tasks that completed successfully.
	Succeeded []string `json:"succeeded,omitempty"`

	// Failed lists ids of tasks whose execution failed.
	Failed []string `json:"failed,omitempty"`

	// Blocked lists ids of tasks never dispatched because a transitive
	// dependency failed.
	Blocked []string `json:"blocked,omitempty"`

	// Canceled lists ids of tasks abandoned because an external cancel
	// signal stopped dispatch. Non-empty only on interrupted runs.
	Canceled []string `json:"canceled,omitempty"`

	// Duration is the wall-clock time of the plan execution.
	Duration time.Duration `json:"duration"`

	// TaskErrors maps failed task ids to their underlying errors, keeping
	// typed failures (retryability, conflicts) intact for recovery
	// classification. Not serialized; checkpoints carry the string form on
	// TaskResult.Error.
	TaskErrors map[string]error `json:"-"`
}

// TaskError joins the underlying errors of the failed tasks, in Failed
// order, so errors.Is and errors.As see every one of them. Nil when no
// task recorded an error.
func (o *PlanOutcome) TaskError() error {
	errs := make([]error, 0, len(o.Failed))
	for _, id := range o.Failed {
		if err := o.TaskErrors[id]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
