package constants

// Stage identifies one phase of the workflow lifecycle state machine.
// An item occupies exactly one stage at any time.
type Stage string

// Lifecycle stages, in nominal order. Fix loops back into Implementation
// for the affected tasks only; Failed and AwaitingHuman are reachable from
// any stage once recovery is exhausted.
const (
	StagePlanning       Stage = "planning"
	StagePlanReview     Stage = "plan_review"
	StageApproval       Stage = "approval"
	StageImplementation Stage = "implementation"
	StageCodeReview     Stage = "code_review"
	StageQA             Stage = "qa"
	StageFix            Stage = "fix"
	StageMerge          Stage = "merge"
	StageCompleted      Stage = "completed"
)

// String returns the stage as a string.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known lifecycle stage.
func (s Stage) IsValid() bool {
	switch s {
	case StagePlanning, StagePlanReview, StageApproval, StageImplementation,
		StageCodeReview, StageQA, StageFix, StageMerge, StageCompleted:
		return true
	}
	return false
}

// ItemStatus represents the overall processing status of a workflow item.
type ItemStatus string

// Item statuses.
//
// AwaitingHuman is terminal-but-not-failed: the engine stops touching the
// item until it is externally re-triggered.
const (
	ItemStatusPending       ItemStatus = "pending"
	ItemStatusInProgress    ItemStatus = "in_progress"
	ItemStatusCompleted     ItemStatus = "completed"
	ItemStatusFailed        ItemStatus = "failed"
	ItemStatusAwaitingHuman ItemStatus = "awaiting_human"
)

// String returns the status as a string.
func (s ItemStatus) String() string {
	return string(s)
}

// IsTerminal returns true for statuses that end automated processing.
// AwaitingHuman is included: the engine does not act on such items until
// an external trigger arrives.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusAwaitingHuman:
		return true
	}
	return false
}

// TaskStatus represents the state of a single task within a plan.
type TaskStatus string

// Task statuses. A task enters Ready only when every dependency has
// Succeeded; a failed dependency marks all transitive dependents Blocked.
const (
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// String returns the status as a string.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true for task statuses that will not change again
// within the current plan execution.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}
