package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
)

// reviewVerdict is the first-line verdict both review prompts request.
type reviewVerdict struct {
	approved bool
	feedback string
}

// parseVerdict reads an APPROVE/REVISE (or PASS/FAIL) first line.
func parseVerdict(output, approveWord, reviseWord string) (reviewVerdict, error) {
	trimmed := strings.TrimSpace(output)
	firstLine, rest, _ := strings.Cut(trimmed, "\n")
	firstLine = strings.ToUpper(strings.TrimSpace(firstLine))

	switch {
	case strings.HasPrefix(firstLine, approveWord):
		return reviewVerdict{approved: true, feedback: strings.TrimSpace(rest)}, nil
	case strings.HasPrefix(firstLine, reviseWord):
		return reviewVerdict{approved: false, feedback: strings.TrimSpace(rest)}, nil
	}
	return reviewVerdict{}, fmt.Errorf("review output has no %s/%s verdict: %w",
		approveWord, reviseWord, gantryerrors.ErrAgentInvocation)
}

// planReviewHandler has the agent audit the proposed plan. Approval moves
// the item on to human approval; a revise verdict loops back to planning
// with the feedback, bounded by maxPlanRevisions.
type planReviewHandler struct {
	deps Deps
}

func (h *planReviewHandler) Stage() constants.Stage { return constants.StagePlanReview }

func (h *planReviewHandler) Execute(ctx context.Context, item *domain.WorkflowItem, _ *forge.Item) (*domain.StageResult, error) {
	if item.Plan == nil {
		return nil, fmt.Errorf("item %q has no plan to review: %w", item.ID, gantryerrors.ErrPlanNotFound)
	}

	planJSON, err := json.MarshalIndent(item.Plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}

	prompt, err := agent.RenderPrompt(agent.KindPlanReview, &agent.PromptData{
		ItemID: item.ID,
		Plan:   string(planJSON),
	})
	if err != nil {
		return nil, err
	}

	result, err := h.deps.Agent.Generate(ctx, &agent.Request{Kind: agent.KindPlanReview, Prompt: prompt})
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	verdict, err := parseVerdict(result.Output, "APPROVE", "REVISE")
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	if verdict.approved {
		return &domain.StageResult{
			Outcome:   domain.OutcomeSuccess,
			NextStage: constants.StageApproval,
		}, nil
	}

	if item.Plan.Revision >= maxPlanRevisions {
		return &domain.StageResult{
			Outcome: domain.OutcomeFatal,
			Err: fmt.Errorf("plan rejected after %d revisions: %w",
				item.Plan.Revision, gantryerrors.ErrManualIntervention),
			SideEffects: domain.SideEffects{
				Comment: "Plan review rejected the plan after " +
					"repeated revisions; human planning required.\n\n" + verdict.feedback,
			},
		}, nil
	}

	h.deps.Logger.Info().
		Str("item_id", item.ID).
		Int("revision", item.Plan.Revision).
		Msg("plan sent back for revision")

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StagePlanning,
		SideEffects: domain.SideEffects{
			Comment: "Plan review requested changes:\n\n" + verdict.feedback,
		},
	}, nil
}

// codeReviewHandler has the agent review the implementation branch.
// Approval moves on to QA; a revise verdict loops back to implementation
// with the feedback attached.
type codeReviewHandler struct {
	deps Deps
}

func (h *codeReviewHandler) Stage() constants.Stage { return constants.StageCodeReview }

func (h *codeReviewHandler) Execute(ctx context.Context, item *domain.WorkflowItem, _ *forge.Item) (*domain.StageResult, error) {
	prompt, err := agent.RenderPrompt(agent.KindCodeReview, &agent.PromptData{
		ItemID:     item.ID,
		Branch:     branchName(item.ID, ""),
		BaseBranch: h.deps.BaseBranch,
	})
	if err != nil {
		return nil, err
	}

	result, err := h.deps.Agent.Generate(ctx, &agent.Request{Kind: agent.KindCodeReview, Prompt: prompt})
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	verdict, err := parseVerdict(result.Output, "APPROVE", "REVISE")
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	if verdict.approved {
		return &domain.StageResult{
			Outcome:   domain.OutcomeSuccess,
			NextStage: constants.StageQA,
			SideEffects: domain.SideEffects{
				RemoveLabels: []string{h.deps.Labels.NeedsReview},
				AddLabels:    []string{h.deps.Labels.NeedsQA},
			},
		}, nil
	}

	// Re-open the affected work: revised tasks run again, succeeded
	// unrelated tasks stay recorded.
	item.LastError = truncateOutput(verdict.feedback)

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StageImplementation,
		SideEffects: domain.SideEffects{
			Comment: "Code review requested changes:\n\n" + verdict.feedback,
		},
	}, nil
}
