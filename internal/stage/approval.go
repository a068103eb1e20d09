package stage

import (
	"context"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/forge"
)

// approvalHandler gates implementation on a human decision. It never
// invokes the agent: if the approval label is present the item advances;
// otherwise the result names the approval stage itself as the next stage,
// which the orchestrator reads as "park awaiting a human" until the next
// trigger.
type approvalHandler struct {
	deps Deps
}

func (h *approvalHandler) Stage() constants.Stage { return constants.StageApproval }

func (h *approvalHandler) Execute(_ context.Context, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.StageResult, error) {
	for _, label := range forgeItem.Labels {
		if label == h.deps.Labels.PlanApproved {
			h.deps.Logger.Info().Str("item_id", item.ID).Msg("plan approved")
			return &domain.StageResult{
				Outcome:   domain.OutcomeSuccess,
				NextStage: constants.StageImplementation,
				SideEffects: domain.SideEffects{
					RemoveLabels: []string{h.deps.Labels.Proposed},
					AddLabels:    []string{h.deps.Labels.InProgress},
				},
			}, nil
		}
	}

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StageApproval,
	}, nil
}
