// Package checkpoint provides durable progress markers for workflow items.
// A checkpoint records the last known-good position of an item so that a
// crashed or interrupted run can resume from it instead of starting over.
//
// Checkpoints are append-only with strictly increasing sequence numbers per
// item. Two backends are provided: a JSONL file log (the default) and a
// sqlite database for installations with many items.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// Store defines the contract for checkpoint persistence. All writes are
// durable before the call returns.
type Store interface {
	// Append records a new checkpoint for the item at the next sequence
	// number and returns the persisted record. Existing checkpoints are
	// never modified.
	Append(ctx context.Context, itemID string, stage constants.Stage, payload *domain.CheckpointPayload) (*domain.Checkpoint, error)

	// Latest returns the most recent checkpoint for the item.
	// Returns ErrCheckpointNotFound if the item has no checkpoints.
	Latest(ctx context.Context, itemID string) (*domain.Checkpoint, error)

	// List returns every checkpoint for the item in sequence order.
	List(ctx context.Context, itemID string) ([]*domain.Checkpoint, error)

	// Close releases any resources held by the store.
	Close() error
}

// New creates the Store for the configured backend, rooted at home.
func New(backend, home string) (Store, error) {
	switch backend {
	case "", constants.CheckpointBackendFile:
		return NewFileStore(home)
	case constants.CheckpointBackendSQLite:
		return NewSQLiteStore(home)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q: %w", backend, gantryerrors.ErrConfigInvalid)
	}
}

// buildCheckpoint assembles a record at the given sequence, marshaling the
// payload. Shared by both backends.
func buildCheckpoint(itemID string, seq uint64, stage constants.Stage, payload *domain.CheckpointPayload) (*domain.Checkpoint, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint payload: %w", err)
	}
	return &domain.Checkpoint{
		ItemID:         itemID,
		SequenceNumber: seq,
		Stage:          stage,
		Payload:        raw,
		Timestamp:      time.Now().UTC(),
	}, nil
}
