package stage

import (
	"context"
	"fmt"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
)

// qaHandler runs the test suite through the agent. A failing run surfaces
// ErrTestFailure so recovery selects the test-fix strategy rather than a
// plain retry.
type qaHandler struct {
	deps Deps
}

func (h *qaHandler) Stage() constants.Stage { return constants.StageQA }

func (h *qaHandler) Execute(ctx context.Context, item *domain.WorkflowItem, _ *forge.Item) (*domain.StageResult, error) {
	prompt, err := agent.RenderPrompt(agent.KindQA, &agent.PromptData{
		ItemID: item.ID,
		Branch: branchName(item.ID, ""),
	})
	if err != nil {
		return nil, err
	}

	result, err := h.deps.Agent.Generate(ctx, &agent.Request{Kind: agent.KindQA, Prompt: prompt})
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	verdict, err := parseVerdict(result.Output, "PASS", "FAIL")
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	if verdict.approved {
		return &domain.StageResult{
			Outcome:   domain.OutcomeSuccess,
			NextStage: constants.StageMerge,
			SideEffects: domain.SideEffects{
				RemoveLabels: []string{h.deps.Labels.NeedsQA},
				AddLabels:    []string{h.deps.Labels.ReadyToMerge},
			},
		}, nil
	}

	// Keep the failing output for the fix prompt.
	item.LastError = truncateOutput(verdict.feedback)

	return &domain.StageResult{
		Outcome: domain.OutcomeEscalate,
		Err:     fmt.Errorf("qa run failed: %w", gantryerrors.ErrTestFailure),
	}, nil
}

// fixHandler dispatches one agent fix attempt against the failing output
// recorded by QA, then routes back for re-verification.
type fixHandler struct {
	deps Deps
}

func (h *fixHandler) Stage() constants.Stage { return constants.StageFix }

func (h *fixHandler) Execute(ctx context.Context, item *domain.WorkflowItem, _ *forge.Item) (*domain.StageResult, error) {
	prompt, err := agent.RenderPrompt(agent.KindFix, &agent.PromptData{
		ItemID:        item.ID,
		Branch:        branchName(item.ID, ""),
		Attempt:       item.FixAttempts,
		FailureOutput: item.LastError,
	})
	if err != nil {
		return nil, err
	}

	result, err := h.deps.Agent.Generate(ctx, &agent.Request{Kind: agent.KindFix, Prompt: prompt})
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	h.deps.Logger.Info().
		Str("item_id", item.ID).
		Int("fix_attempt", item.FixAttempts).
		Int("output_bytes", len(result.Output)).
		Msg("fix attempt finished")

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StageQA,
	}, nil
}
