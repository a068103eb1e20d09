package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/executor"
	"github.com/gantryhq/gantry/internal/forge"
)

// implementationHandler executes the plan's tasks through the parallel
// executor. Each task gets a branch per the plan's branch strategy and an
// agent invocation; already-succeeded tasks (resume, fix cycles) are never
// re-run.
type implementationHandler struct {
	deps Deps
}

func (h *implementationHandler) Stage() constants.Stage { return constants.StageImplementation }

func (h *implementationHandler) Execute(ctx context.Context, item *domain.WorkflowItem, _ *forge.Item) (*domain.StageResult, error) {
	if item.Plan == nil {
		return nil, fmt.Errorf("item %q has no plan to implement: %w", item.ID, gantryerrors.ErrPlanNotFound)
	}
	plan := item.Plan

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}

	sharedBranch := branchName(item.ID, "")
	if plan.BranchStrategy == domain.BranchShared {
		if err := h.deps.Forge.CreateBranch(ctx, sharedBranch, h.deps.BaseBranch); err != nil {
			return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
		}
	}

	runner := executor.TaskRunnerFunc(func(ctx context.Context, task *domain.Task) (*domain.TaskResult, error) {
		branch := sharedBranch
		if plan.BranchStrategy == domain.BranchPerTask {
			branch = branchName(item.ID, task.TaskID)
			if err := h.deps.Forge.CreateBranch(ctx, branch, h.deps.BaseBranch); err != nil {
				return nil, err
			}
		}

		prompt, err := agent.RenderPrompt(agent.KindImplement, &agent.PromptData{
			ItemID:          item.ID,
			TaskID:          task.TaskID,
			TaskDescription: task.Description,
			Branch:          branch,
			Plan:            string(planJSON),
		})
		if err != nil {
			return nil, err
		}

		result, err := h.deps.Agent.Generate(ctx, &agent.Request{
			Kind:    agent.KindImplement,
			Prompt:  prompt,
			Timeout: h.deps.TaskTimeout,
		})
		if err != nil {
			return nil, err
		}

		return &domain.TaskResult{
			BranchRef:   branch,
			Output:      truncateOutput(result.Output),
			CompletedAt: time.Now().UTC(),
		}, nil
	})

	exec := executor.New(runner,
		executor.WithMaxConcurrency(h.deps.MaxConcurrency),
		executor.WithTaskTimeout(h.deps.TaskTimeout),
		executor.WithProgress(h.deps.OnTaskProgress),
		executor.WithLogger(h.deps.Logger),
		executor.WithMetrics(h.deps.Metrics),
	)

	outcome, statuses, err := exec.Execute(ctx, plan, plan.CompletedIDs())
	if err != nil {
		// Graph-level failures are plan defects, not transient conditions.
		return &domain.StageResult{Outcome: domain.OutcomeFatal, Err: err}, nil
	}

	for id, status := range statuses {
		if task := plan.TaskByID(id); task != nil {
			task.Status = status
		}
	}

	if len(outcome.Canceled) > 0 {
		return nil, fmt.Errorf("%w: %w", gantryerrors.ErrExecutorCanceled, ctx.Err())
	}

	if !outcome.Success {
		// Wrap the per-task errors so recovery classification still sees
		// typed failures (a retryable rate limit stays retryable).
		failErr := fmt.Errorf("tasks failed: %s (blocked: %s)",
			strings.Join(outcome.Failed, ", "), strings.Join(outcome.Blocked, ", "))
		if taskErr := outcome.TaskError(); taskErr != nil {
			failErr = fmt.Errorf("tasks failed: %s (blocked: %s): %w",
				strings.Join(outcome.Failed, ", "), strings.Join(outcome.Blocked, ", "), taskErr)
		}
		item.LastError = truncateOutput(taskFailureDetail(plan, outcome.Failed))
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: failErr}, nil
	}

	h.deps.Logger.Info().
		Str("item_id", item.ID).
		Str("plan_id", plan.PlanID).
		Dur("duration", outcome.Duration).
		Msg("implementation complete")

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StageCodeReview,
		SideEffects: domain.SideEffects{
			AddLabels: []string{h.deps.Labels.NeedsReview},
			Comment:   implementationComment(outcome),
		},
	}, nil
}

// taskFailureDetail collects failed-task errors for recovery context.
func taskFailureDetail(plan *domain.Plan, failed []string) string {
	var sb strings.Builder
	for _, id := range failed {
		task := plan.TaskByID(id)
		if task == nil || task.Result == nil {
			continue
		}
		sb.WriteString(id)
		sb.WriteString(": ")
		sb.WriteString(task.Result.Error)
		sb.WriteString("\n")
	}
	return sb.String()
}

func implementationComment(outcome *domain.PlanOutcome) string {
	return fmt.Sprintf("Implementation finished: %d task(s) completed in %s.",
		len(outcome.Succeeded), outcome.Duration.Round(time.Second))
}
