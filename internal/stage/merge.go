package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
)

// mergeHandler opens the pull request (if not already open) and merges it.
// A merge conflict surfaces as ErrMergeConflict so recovery selects the
// conflict-resolution strategy.
type mergeHandler struct {
	deps Deps
}

func (h *mergeHandler) Stage() constants.Stage { return constants.StageMerge }

func (h *mergeHandler) Execute(ctx context.Context, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.StageResult, error) {
	branch := branchName(item.ID, "")

	pr, err := h.deps.Forge.CreatePullRequest(ctx, branch, h.deps.BaseBranch,
		forgeItem.Title, fmt.Sprintf("Automated change for #%s.", item.ID))
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	if err := h.deps.Forge.MergePullRequest(ctx, pr.Number); err != nil {
		if gantryerrors.Is(err, gantryerrors.ErrMergeConflict) {
			item.LastError = err.Error()
		}
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	now := time.Now().UTC()
	item.CompletedAt = &now

	h.deps.Logger.Info().
		Str("item_id", item.ID).
		Int("pr_number", pr.Number).
		Str("pr_url", pr.URL).
		Msg("pull request merged")

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StageCompleted,
		SideEffects: domain.SideEffects{
			RemoveLabels: []string{h.deps.Labels.ReadyToMerge, h.deps.Labels.InProgress},
			AddLabels:    []string{h.deps.Labels.Done},
			Comment:      "Merged in " + pr.URL + ".",
		},
	}, nil
}
