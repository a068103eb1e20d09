// Package stage implements the lifecycle state machine. Each stage is a
// handler: given the workflow item and its forge state, it produces a
// StageResult naming the outcome, the next stage, and the label/comment
// side effects to apply. Handlers never write to the forge themselves —
// the orchestrator is the single writer of record and applies declared
// side effects after the handler returns.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/executor"
	"github.com/gantryhq/gantry/internal/forge"
	"github.com/gantryhq/gantry/internal/metrics"
)

// maxPlanRevisions bounds plan-review revise loops before escalation.
const maxPlanRevisions = 3

// Handler executes one lifecycle stage.
type Handler interface {
	// Stage identifies the stage this handler serves.
	Stage() constants.Stage

	// Execute runs the stage against the item. The item may be mutated in
	// memory (plan attachment, task statuses); persistence is the
	// orchestrator's job. External mutations go through the returned
	// side effects only.
	Execute(ctx context.Context, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.StageResult, error)
}

// Deps carries the collaborators stage handlers share.
type Deps struct {
	// Forge is read-only inside handlers (GetItem, ListLabels); writes go
	// through declared side effects.
	Forge forge.Provider

	// Agent produces plans, reviews, code, and fixes.
	Agent agent.Provider

	// Labels are the effective label names.
	Labels config.LabelsConfig

	// BaseBranch is the integration branch PRs target.
	BaseBranch string

	// MaxConcurrency bounds parallel task dispatch in Implementation.
	MaxConcurrency int

	// TaskTimeout bounds one task execution.
	TaskTimeout time.Duration

	// OnTaskProgress observes task status changes during Implementation,
	// for mid-plan checkpointing. May be nil.
	OnTaskProgress executor.ProgressFunc

	// Logger is the structured logger.
	Logger zerolog.Logger

	// Metrics is the metrics recorder.
	Metrics metrics.Recorder
}

func (d *Deps) withDefaults() {
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = constants.DefaultMaxConcurrency
	}
	if d.TaskTimeout <= 0 {
		d.TaskTimeout = constants.DefaultTaskTimeout
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
}

// Registry maps stages to handlers. The stage set is closed: handlers are
// registered at construction, never at runtime.
type Registry struct {
	handlers map[constants.Stage]Handler
}

// NewRegistry builds the full handler set from shared dependencies.
func NewRegistry(deps Deps) *Registry {
	deps.withDefaults()

	r := &Registry{handlers: make(map[constants.Stage]Handler)}
	for _, h := range []Handler{
		&planningHandler{deps: deps},
		&planReviewHandler{deps: deps},
		&approvalHandler{deps: deps},
		&implementationHandler{deps: deps},
		&codeReviewHandler{deps: deps},
		&qaHandler{deps: deps},
		&fixHandler{deps: deps},
		&mergeHandler{deps: deps},
	} {
		r.handlers[h.Stage()] = h
	}
	return r
}

// Handler returns the handler for a stage.
// Returns ErrUnknownStage for stages without one (terminal stages).
func (r *Registry) Handler(stage constants.Stage) (Handler, error) {
	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("no handler for stage %q: %w", stage, gantryerrors.ErrUnknownStage)
	}
	return h, nil
}

// branchName returns the working branch for an item, and for a specific
// task under the per-task strategy.
func branchName(itemID, taskID string) string {
	if taskID == "" {
		return "gantry/" + itemID
	}
	return "gantry/" + itemID + "/" + taskID
}

// truncateOutput bounds stored agent output so item records stay small.
func truncateOutput(s string) string {
	const limit = 4096
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
