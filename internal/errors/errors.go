// Package errors provides centralized error handling for GANTRY.
//
// This package defines sentinel errors for programmatic categorization and
// typed errors that carry structured context (retryability, version
// conflicts, cycle membership). All of them can be checked with errors.Is
// or errors.As.
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Sentinel errors for error categorization.
// These allow callers to check error types with errors.Is().
var (
	// ErrItemNotFound indicates the requested workflow item does not exist
	// in the state store.
	ErrItemNotFound = errors.New("workflow item not found")

	// ErrItemExists indicates an attempt to create a workflow item that
	// already exists.
	ErrItemExists = errors.New("workflow item already exists")

	// ErrItemArchived indicates an operation against an archived item.
	ErrItemArchived = errors.New("workflow item is archived")

	// ErrItemCorrupted indicates the item state file is corrupted or
	// unreadable.
	ErrItemCorrupted = errors.New("workflow item state corrupted")

	// ErrInvalidTransition indicates a disallowed stage or status transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPlanNotFound indicates the item has no plan where one is required.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrUnknownDependency indicates a task depends on an id that is not
	// part of the same plan.
	ErrUnknownDependency = errors.New("dependency references unknown task")

	// ErrSelfDependency indicates a task that depends on itself.
	ErrSelfDependency = errors.New("task depends on itself")

	// ErrManualIntervention indicates recovery is exhausted and a human
	// must act before the engine touches the item again. This is
	// terminal-but-not-failed.
	ErrManualIntervention = errors.New("manual intervention required")

	// ErrRetriesExhausted indicates the bounded retry budget was consumed.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrExecutorCanceled indicates plan execution stopped on an external
	// cancel signal before all tasks reached a terminal status.
	ErrExecutorCanceled = errors.New("plan execution canceled")

	// ErrCheckpointSequence indicates an append with a non-increasing
	// sequence number, which would violate the checkpoint log contract.
	ErrCheckpointSequence = errors.New("checkpoint sequence not increasing")

	// ErrCheckpointNotFound indicates no checkpoint exists for the item.
	ErrCheckpointNotFound = errors.New("no checkpoint found")

	// ErrLockTimeout indicates a file lock could not be acquired within the
	// timeout period.
	ErrLockTimeout = errors.New("lock acquisition timeout")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrConfigInvalid indicates an invalid configuration value. This is
	// fatal: processing must not begin with a bad configuration.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnknownStage indicates no handler is registered for a stage.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrUnknownOutcome indicates a stage handler produced an outcome the
	// transition table does not cover.
	ErrUnknownOutcome = errors.New("unknown stage outcome")

	// ErrAgentInvocation indicates the agent collaborator failed to execute.
	ErrAgentInvocation = errors.New("agent invocation failed")

	// ErrForgeOperation indicates a git-hosting operation failed.
	ErrForgeOperation = errors.New("forge operation failed")

	// ErrMergeConflict indicates a merge or rebase conflict that may be
	// resolvable by the conflict-resolution strategy.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrTestFailure indicates failing tests surfaced by QA or validation.
	ErrTestFailure = errors.New("test failure")

	// ErrInvalidOutputFormat indicates an unsupported CLI output format.
	ErrInvalidOutputFormat = errors.New("invalid output format")
)
