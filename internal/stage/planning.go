package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
	"github.com/gantryhq/gantry/internal/graph"
)

// planningHandler asks the agent for a task decomposition of the item and
// attaches the validated plan. A structurally invalid plan (cycle, unknown
// reference) is fatal for the attempt: the plan definition needs human or
// re-planning correction, not a retry of the same prompt.
type planningHandler struct {
	deps Deps
}

func (h *planningHandler) Stage() constants.Stage { return constants.StagePlanning }

// planDocument is the JSON shape the planning prompt requests.
type planDocument struct {
	Tasks []struct {
		TaskID      string   `json:"task_id"`
		Description string   `json:"description"`
		DependsOn   []string `json:"depends_on"`
	} `json:"tasks"`
	BranchStrategy string `json:"branch_strategy,omitempty"`
}

func (h *planningHandler) Execute(ctx context.Context, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.StageResult, error) {
	prompt, err := agent.RenderPrompt(agent.KindPlan, &agent.PromptData{
		ItemID: item.ID,
		Title:  forgeItem.Title,
		Body:   forgeItem.Body,
	})
	if err != nil {
		return nil, err
	}

	result, err := h.deps.Agent.Generate(ctx, &agent.Request{Kind: agent.KindPlan, Prompt: prompt})
	if err != nil {
		return &domain.StageResult{Outcome: domain.OutcomeEscalate, Err: err}, nil
	}

	plan, err := parsePlan(result.Output)
	if err != nil {
		return &domain.StageResult{
			Outcome: domain.OutcomeFatal,
			Err:     err,
		}, nil
	}

	revision := 1
	if item.Plan != nil {
		revision = item.Plan.Revision + 1
	}
	plan.Revision = revision
	item.Plan = plan

	h.deps.Logger.Info().
		Str("item_id", item.ID).
		Str("plan_id", plan.PlanID).
		Int("revision", revision).
		Int("tasks", len(plan.Tasks)).
		Msg("plan created")

	return &domain.StageResult{
		Outcome:   domain.OutcomeSuccess,
		NextStage: constants.StagePlanReview,
		SideEffects: domain.SideEffects{
			RemoveLabels: []string{h.deps.Labels.NeedsPlanning},
			AddLabels:    []string{h.deps.Labels.Proposed},
			Comment:      planComment(plan),
		},
	}, nil
}

// parsePlan decodes and validates the agent's plan output. The agent may
// wrap JSON in a markdown fence; strip it before decoding.
func parsePlan(output string) (*domain.Plan, error) {
	payload := extractJSON(output)
	if payload == "" {
		return nil, fmt.Errorf("agent output contains no plan JSON: %w", gantryerrors.ErrPlanNotFound)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks: %w", gantryerrors.ErrPlanNotFound)
	}

	plan := &domain.Plan{
		PlanID:         uuid.NewString(),
		Revision:       1,
		BranchStrategy: domain.BranchShared,
		CreatedAt:      time.Now().UTC(),
		Tasks:          make([]*domain.Task, 0, len(doc.Tasks)),
	}
	if doc.BranchStrategy == string(domain.BranchPerTask) {
		plan.BranchStrategy = domain.BranchPerTask
	}
	for _, t := range doc.Tasks {
		plan.Tasks = append(plan.Tasks, &domain.Task{
			TaskID:      t.TaskID,
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Status:      constants.TaskStatusBlocked,
		})
	}

	// Structural validation happens here, not at dispatch time, so a bad
	// plan never reaches the executor.
	if _, err := graph.Build(plan.Tasks); err != nil {
		return nil, err
	}
	return plan, nil
}

// extractJSON returns the first top-level JSON object in the output,
// tolerating markdown fences and prose around it.
func extractJSON(output string) string {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return ""
	}
	return output[start : end+1]
}

// planComment renders the proposed plan for the item thread.
func planComment(plan *domain.Plan) string {
	var sb strings.Builder
	sb.WriteString("Proposed implementation plan:\n\n")
	for _, task := range plan.Tasks {
		sb.WriteString("- **")
		sb.WriteString(task.TaskID)
		sb.WriteString("**: ")
		sb.WriteString(task.Description)
		if len(task.DependsOn) > 0 {
			sb.WriteString(" (after ")
			sb.WriteString(strings.Join(task.DependsOn, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nApply the approval label to proceed.")
	return sb.String()
}
