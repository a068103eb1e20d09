// Package domain provides shared domain types for the GANTRY workflow engine.
// These types are used across all internal packages to ensure consistent
// data structures.
//
// This package follows strict import rules:
//   - CAN import: internal/constants, internal/errors, standard library
//   - MUST NOT import: any other internal packages
//
// All JSON field names use snake_case.
package domain

import (
	"time"

	"github.com/gantryhq/gantry/internal/constants"
)

// WorkflowItem is the tracked subject of automation: one issue or pull
// request moving through lifecycle stages.
//
// Items are created on the first trigger for an id and mutated only by the
// orchestrator through state-store transactions. On reaching a terminal
// status the item is archived, never physically deleted.
//
// Example JSON representation:
//
//	{
//	    "id": "42",
//	    "current_stage": "plan_review",
//	    "status": "in_progress",
//	    "version": 7,
//	    "labels_snapshot": ["proposed"],
//	    "retry_counts": {"planning": 1},
//	    "created_at": "2026-08-30T10:00:00Z",
//	    "updated_at": "2026-08-30T10:05:00Z",
//	    "schema_version": 1
//	}
type WorkflowItem struct {
	// ID is the external identifier of the issue/PR.
	ID string `json:"id"`

	// CurrentStage is the single active lifecycle stage.
	CurrentStage constants.Stage `json:"current_stage"`

	// Status is the overall processing status.
	Status constants.ItemStatus `json:"status"`

	// Version is a monotonic counter for optimistic concurrency. Every
	// successful store update increments it; a write presenting a stale
	// version is rejected.
	Version int64 `json:"version"`

	// LabelsSnapshot is the set of labels observed at the last trigger.
	LabelsSnapshot []string `json:"labels_snapshot,omitempty"`

	// RetryCounts tracks transient-error retries per stage.
	RetryCounts map[constants.Stage]int `json:"retry_counts,omitempty"`

	// FixAttempts counts test-fix cycles, bounded separately from retries.
	FixAttempts int `json:"fix_attempts,omitempty"`

	// Plan is the task decomposition created at entry to Implementation.
	// Nil before that point.
	Plan *Plan `json:"plan,omitempty"`

	// Transitions is the audit trail of stage/status changes.
	Transitions []Transition `json:"transitions,omitempty"`

	// LastError holds the most recent failure detail for diagnostics.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the item was first seen.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the item was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the item reached a terminal status (nil before).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// SchemaVersion enables forward-compatible schema migrations.
	SchemaVersion int `json:"schema_version"`
}

// RetryCount returns the recorded retry count for a stage.
func (w *WorkflowItem) RetryCount(stage constants.Stage) int {
	if w.RetryCounts == nil {
		return 0
	}
	return w.RetryCounts[stage]
}

// IncrementRetry bumps the retry count for a stage and returns the new value.
func (w *WorkflowItem) IncrementRetry(stage constants.Stage) int {
	if w.RetryCounts == nil {
		w.RetryCounts = make(map[constants.Stage]int)
	}
	w.RetryCounts[stage]++
	return w.RetryCounts[stage]
}

// Transition records one stage or status change for the audit trail.
type Transition struct {
	// FromStage is the stage before the transition.
	FromStage constants.Stage `json:"from_stage"`

	// ToStage is the stage after the transition.
	ToStage constants.Stage `json:"to_stage"`

	// FromStatus is the item status before the transition.
	FromStatus constants.ItemStatus `json:"from_status"`

	// ToStatus is the item status after the transition.
	ToStatus constants.ItemStatus `json:"to_status"`

	// Timestamp is when the transition occurred.
	Timestamp time.Time `json:"timestamp"`

	// Reason explains why (trigger label, recovery decision, etc.).
	Reason string `json:"reason,omitempty"`
}

// Trigger is one external event: a label applied to an item, or a daemon
// poll discovering pending work. Both funnel into Orchestrator.Process.
type Trigger struct {
	// ItemID identifies the issue/PR.
	ItemID string `json:"item_id"`

	// EventLabel is the label that fired the trigger (empty for daemon
	// polls, which act on the item's current stage).
	EventLabel string `json:"event_label,omitempty"`

	// ReceivedAt is when the trigger was observed.
	ReceivedAt time.Time `json:"received_at"`
}

// ProcessingSummary is the outcome of one Orchestrator.Process call.
type ProcessingSummary struct {
	// ItemID identifies the processed item.
	ItemID string `json:"item_id"`

	// Stage is the stage that was executed.
	Stage constants.Stage `json:"stage"`

	// Outcome is the stage outcome.
	Outcome Outcome `json:"outcome"`

	// NextStage is the stage the item advanced to (set on success).
	NextStage constants.Stage `json:"next_stage,omitempty"`

	// Status is the item status after processing.
	Status constants.ItemStatus `json:"status"`

	// CheckpointSeq is the sequence number of the checkpoint persisted
	// for this processing step.
	CheckpointSeq uint64 `json:"checkpoint_seq"`

	// Recovery names the recovery strategy applied, if any.
	Recovery string `json:"recovery,omitempty"`

	// Duration is how long processing took.
	Duration time.Duration `json:"duration"`

	// Err holds the failure detail when the outcome was not Success.
	Err string `json:"error,omitempty"`
}
