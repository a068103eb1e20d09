package domain

import (
	"encoding/json"
	"time"

	"github.com/gantryhq/gantry/internal/constants"
)

// Checkpoint is an immutable progress snapshot for one workflow item.
// Sequence numbers are strictly increasing per item; the latest checkpoint
// is authoritative for resume. Checkpoints are never mutated or deleted.
//
// Example JSON representation (one line in the per-item JSONL log):
//
//	{"item_id":"42","sequence_number":12,"stage":"implementation",
//	 "payload":{...},"timestamp":"2026-08-30T10:05:00Z"}
type Checkpoint struct {
	// ItemID identifies the workflow item.
	ItemID string `json:"item_id"`

	// SequenceNumber is strictly increasing per item.
	SequenceNumber uint64 `json:"sequence_number"`

	// Stage is the stage the item occupied when the snapshot was taken.
	Stage constants.Stage `json:"stage"`

	// Payload is an opaque snapshot of stage-specific progress (item
	// status, plan task states, recovery decision). Stored as raw JSON so
	// the log never needs schema-aware rewrites.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the checkpoint was appended.
	Timestamp time.Time `json:"timestamp"`
}

// DecodePayload unmarshals the standard payload from the snapshot.
func (c *Checkpoint) DecodePayload() (*CheckpointPayload, error) {
	var payload CheckpointPayload
	if len(c.Payload) == 0 {
		return &payload, nil
	}
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// CheckpointPayload is the standard payload the orchestrator snapshots.
// Restoring it reconstructs item/plan/task status exactly as last persisted;
// succeeded tasks are never re-dispatched.
type CheckpointPayload struct {
	// Status is the item status at snapshot time.
	Status constants.ItemStatus `json:"status"`

	// Version is the item state version at snapshot time.
	Version int64 `json:"version"`

	// TaskStatuses maps task id to status for the active plan, if any.
	TaskStatuses map[string]constants.TaskStatus `json:"task_statuses,omitempty"`

	// Recovery names the recovery strategy recorded, if any.
	Recovery string `json:"recovery,omitempty"`

	// Note is free-form diagnostic context.
	Note string `json:"note,omitempty"`
}
