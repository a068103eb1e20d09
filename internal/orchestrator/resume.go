package orchestrator

import (
	"context"
	"fmt"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// ResumeAll restores interrupted items from their latest checkpoints.
// For each in-progress item the recorded task statuses are folded back
// into the plan so completed work is never repeated; a task that was
// running at the crash is reset to pending and will re-execute. Items
// without checkpoints restart their current stage from scratch.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	items, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate items for resume: %w", err)
	}

	resumed := 0
	for _, item := range items {
		if item.Status != constants.ItemStatusInProgress {
			continue
		}
		if err := o.resumeItem(ctx, item); err != nil {
			return err
		}
		resumed++
	}

	if resumed > 0 {
		o.logger.Info().Int("items", resumed).Msg("interrupted items resumed")
	}
	return nil
}

// resumeItem reconciles one item's plan with its latest checkpoint.
func (o *Orchestrator) resumeItem(ctx context.Context, item *domain.WorkflowItem) error {
	latest, err := o.checkpoints.Latest(ctx, item.ID)
	if err != nil {
		if gantryerrors.Is(err, gantryerrors.ErrCheckpointNotFound) {
			o.logger.Warn().Str("item_id", item.ID).Msg("in-progress item has no checkpoint, restarting stage")
			return nil
		}
		return fmt.Errorf("failed to load latest checkpoint for %q: %w", item.ID, err)
	}

	payload, err := latest.DecodePayload()
	if err != nil {
		return fmt.Errorf("failed to decode checkpoint %d for %q: %w", latest.SequenceNumber, item.ID, err)
	}
	if len(payload.TaskStatuses) == 0 || item.Plan == nil {
		return nil
	}

	_, err = o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		if it.Plan == nil {
			return nil
		}
		for _, task := range it.Plan.Tasks {
			status, ok := payload.TaskStatuses[task.TaskID]
			if !ok {
				continue
			}
			// Only checkpointed terminal outcomes are trusted; a task
			// caught mid-flight re-runs from scratch.
			if status.IsTerminal() {
				task.Status = status
			} else {
				task.Status = constants.TaskStatusBlocked
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.logger.Info().
		Str("item_id", item.ID).
		Str("stage", latest.Stage.String()).
		Uint64("checkpoint_seq", latest.SequenceNumber).
		Msg("item state restored from checkpoint")
	return nil
}
