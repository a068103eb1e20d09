// Package orchestrator drives workflow items through the lifecycle. It is
// the single writer of record: stage handlers compute results and declare
// side effects; the orchestrator persists state transitions, applies label
// and comment mutations to the forge, writes checkpoints, and consults the
// recovery manager on failure.
//
// One Process call executes exactly one stage for one item. The daemon
// loop re-polls non-terminal items so multi-stage progress emerges from
// repeated single-stage steps, each individually checkpointed.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/clock"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/ctxutil"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
	"github.com/gantryhq/gantry/internal/metrics"
	"github.com/gantryhq/gantry/internal/recovery"
	"github.com/gantryhq/gantry/internal/stage"
	"github.com/gantryhq/gantry/internal/state"
)

// Orchestrator coordinates state, checkpoints, stages, and recovery.
type Orchestrator struct {
	cfg         *config.Config
	store       state.Store
	checkpoints checkpoint.Store
	forge       forge.Provider
	agent       agent.Provider
	recovery    *recovery.Manager
	labels      config.LabelsConfig
	locks       *keyedLocks
	clock       clock.Clock
	logger      zerolog.Logger
	metrics     metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = recorder }
}

// New creates an Orchestrator from its collaborators.
func New(cfg *config.Config, store state.Store, checkpoints checkpoint.Store, forgeProvider forge.Provider, agentProvider agent.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		forge:       forgeProvider,
		agent:       agentProvider,
		labels:      cfg.EffectiveLabels(),
		locks:       newKeyedLocks(),
		clock:       clock.RealClock{},
		logger:      zerolog.Nop(),
		metrics:     metrics.Noop{},
		recovery: recovery.NewManager(recovery.Options{
			MaxRetries:        cfg.Recovery.MaxRetries,
			MaxFixAttempts:    cfg.Recovery.MaxFixAttempts,
			BackoffInitial:    cfg.Recovery.BackoffInitial,
			BackoffMultiplier: cfg.Recovery.BackoffMultiplier,
			BackoffMax:        cfg.Recovery.BackoffMax,
		}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process executes the item's current stage for one trigger. Duplicate
// triggers are idempotent: a terminal item is reported as-is, and the
// per-item lock serializes concurrent triggers for the same id.
func (o *Orchestrator) Process(ctx context.Context, trigger *domain.Trigger) (*domain.ProcessingSummary, error) {
	if trigger == nil || trigger.ItemID == "" {
		return nil, fmt.Errorf("trigger item id %w", gantryerrors.ErrEmptyValue)
	}

	unlock := o.locks.acquire(trigger.ItemID)
	defer unlock()

	o.metrics.ItemsInProgress(1)
	defer o.metrics.ItemsInProgress(-1)

	start := o.clock.Now()
	item, err := o.loadOrCreate(ctx, trigger)
	if err != nil {
		return nil, err
	}

	// Completed and failed items are done for good. A parked item
	// (awaiting_human) stays parked for daemon polls but resumes on an
	// explicit label trigger, which is how approvals come back in.
	if item.Status == constants.ItemStatusCompleted || item.Status == constants.ItemStatusFailed ||
		(item.Status == constants.ItemStatusAwaitingHuman && trigger.EventLabel == "") {
		return &domain.ProcessingSummary{
			ItemID: item.ID,
			Stage:  item.CurrentStage,
			Status: item.Status,
		}, nil
	}

	forgeItem, err := o.forge.GetItem(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch item %q from forge: %w", item.ID, err)
	}

	item, err = o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		it.LabelsSnapshot = forgeItem.Labels
		if it.Status != constants.ItemStatusInProgress {
			recordTransition(it, it.CurrentStage, constants.ItemStatusInProgress, triggerReason(trigger))
			it.Status = constants.ItemStatusInProgress
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary, err := o.runStage(ctx, item, forgeItem)
	if err != nil {
		return nil, err
	}
	summary.Duration = o.clock.Now().Sub(start)
	return summary, nil
}

// loadOrCreate fetches the item record, creating it on the first trigger.
func (o *Orchestrator) loadOrCreate(ctx context.Context, trigger *domain.Trigger) (*domain.WorkflowItem, error) {
	item, err := o.store.Load(ctx, trigger.ItemID)
	if err == nil {
		return item, nil
	}
	if !gantryerrors.Is(err, gantryerrors.ErrItemNotFound) {
		return nil, err
	}

	created, err := o.store.Create(ctx, trigger.ItemID, &domain.WorkflowItem{
		CurrentStage: constants.StagePlanning,
		Status:       constants.ItemStatusPending,
	})
	if err != nil {
		// A concurrent creator winning the race is fine; load theirs.
		if gantryerrors.Is(err, gantryerrors.ErrItemExists) {
			return o.store.Load(ctx, trigger.ItemID)
		}
		return nil, err
	}

	o.logger.Info().Str("item_id", created.ID).Msg("workflow item created")
	return created, nil
}

// runStage executes the item's current stage handler and applies the
// resulting transition. Transient failures are retried in place per the
// recovery policy; everything else produces a terminal, parked, or
// stage-routed state change plus a checkpoint.
func (o *Orchestrator) runStage(ctx context.Context, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.ProcessingSummary, error) {
	currentStage := item.CurrentStage
	registry := o.registryFor(item)

	handler, err := registry.Handler(currentStage)
	if err != nil {
		return nil, err
	}

	conflictAttempts := 0
	for {
		if err := ctxutil.Canceled(ctx); err != nil {
			return nil, err
		}

		stageStart := o.clock.Now()
		result, err := o.executeWithTimeout(ctx, handler, item, forgeItem)
		if err != nil {
			return nil, err
		}
		o.metrics.StageCompleted(currentStage, result.Outcome, o.clock.Now().Sub(stageStart))

		switch result.Outcome {
		case domain.OutcomeSuccess:
			return o.applySuccess(ctx, item, result)

		case domain.OutcomeFatal:
			return o.applyFatal(ctx, item, result)

		case domain.OutcomeRetry, domain.OutcomeEscalate:
			decision := o.recovery.Decide(item, currentStage, result.Err)
			o.metrics.RecoveryDecided(decision.Strategy)
			o.logger.Warn().
				Str("item_id", item.ID).
				Str("stage", currentStage.String()).
				Str("strategy", decision.Strategy).
				Str("kind", string(decision.Kind)).
				Err(result.Err).
				Msg("stage failed, recovery decided")

			switch decision.Strategy {
			case recovery.StrategyRetry:
				item, err = o.applyRetry(ctx, item, currentStage, decision, result.Err)
				if err != nil {
					return nil, err
				}
				continue

			case recovery.StrategyConflictResolution:
				maxConflicts := o.cfg.Recovery.MaxRetries
				if maxConflicts <= 0 {
					maxConflicts = constants.DefaultMaxRetries
				}
				conflictAttempts++
				if conflictAttempts > maxConflicts {
					decision.Reason = "merge conflict persists after automated resolution"
					return o.applyManualIntervention(ctx, item, decision, result.Err)
				}
				if err := o.resolveConflict(ctx, item); err != nil {
					// Resolution itself failed; hand it to a human.
					return o.applyManualIntervention(ctx, item, decision, err)
				}
				continue

			case recovery.StrategyTestFix:
				return o.applyTestFix(ctx, item, decision, result.Err)

			default:
				cause := result.Err
				if decision.Kind == recovery.KindTransient {
					// Escalation on a transient kind means the retry
					// budget ran out.
					cause = fmt.Errorf("%w: %w", gantryerrors.ErrRetriesExhausted, cause)
				}
				return o.applyManualIntervention(ctx, item, decision, cause)
			}
		}

		return nil, fmt.Errorf("stage %q returned outcome %q: %w",
			currentStage, result.Outcome, gantryerrors.ErrUnknownOutcome)
	}
}

// executeWithTimeout runs a handler under the stage's configured timeout,
// mapping expiry to StageTimeoutError for recovery classification.
func (o *Orchestrator) executeWithTimeout(ctx context.Context, handler stage.Handler, item *domain.WorkflowItem, forgeItem *forge.Item) (*domain.StageResult, error) {
	timeout := o.cfg.Stages.StageTimeout(handler.Stage().String())
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler.Execute(stageCtx, item, forgeItem)
	if err != nil {
		if ctxErr := ctxutil.Canceled(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		if stageCtx.Err() != nil {
			return &domain.StageResult{
				Outcome: domain.OutcomeEscalate,
				Err:     &gantryerrors.StageTimeoutError{Stage: handler.Stage().String(), Timeout: timeout},
			}, nil
		}
		return nil, err
	}
	return result, nil
}

// registryFor builds the stage registry with per-item checkpoint wiring:
// task status changes during implementation checkpoint under this item's
// id.
func (o *Orchestrator) registryFor(item *domain.WorkflowItem) *stage.Registry {
	itemID := item.ID
	return stage.NewRegistry(stage.Deps{
		Forge:          o.forge,
		Agent:          o.agent,
		Labels:         o.labels,
		BaseBranch:     o.cfg.Forge.BaseBranch,
		MaxConcurrency: o.cfg.Engine.MaxConcurrency,
		TaskTimeout:    o.cfg.Stages.TaskTimeout,
		Logger:         o.logger,
		Metrics:        o.metrics,
		OnTaskProgress: func(statuses map[string]constants.TaskStatus) {
			o.checkpointTasks(itemID, statuses)
		},
	})
}

// checkpointTasks persists a mid-plan task status snapshot. Failures are
// logged, not fatal: the next full checkpoint supersedes this one.
func (o *Orchestrator) checkpointTasks(itemID string, statuses map[string]constants.TaskStatus) {
	_, err := o.checkpoints.Append(context.Background(), itemID, constants.StageImplementation, &domain.CheckpointPayload{
		Status:       constants.ItemStatusInProgress,
		TaskStatuses: statuses,
	})
	if err != nil {
		o.logger.Error().Str("item_id", itemID).Err(err).Msg("task checkpoint failed")
		return
	}
	o.metrics.CheckpointAppended()
}

// applySuccess validates and persists a successful stage transition,
// applies declared side effects, and checkpoints.
func (o *Orchestrator) applySuccess(ctx context.Context, item *domain.WorkflowItem, result *domain.StageResult) (*domain.ProcessingSummary, error) {
	fromStage := item.CurrentStage
	if err := stage.ValidateTransition(fromStage, result.NextStage); err != nil {
		return nil, err
	}

	if err := o.applySideEffects(ctx, item.ID, result.SideEffects); err != nil {
		return nil, err
	}

	nextStatus := constants.ItemStatusInProgress
	switch {
	case result.NextStage == constants.StageCompleted:
		nextStatus = constants.ItemStatusCompleted
	case result.NextStage == fromStage:
		// A stage naming itself is parked on an external event.
		nextStatus = constants.ItemStatusAwaitingHuman
	}

	item, err := o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		syncHandlerFields(it, item)
		recordTransition(it, result.NextStage, nextStatus, "stage succeeded")
		it.CurrentStage = result.NextStage
		it.Status = nextStatus
		if nextStatus == constants.ItemStatusCompleted && it.CompletedAt == nil {
			now := o.clock.Now().UTC()
			it.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, err := o.writeCheckpoint(ctx, item, "")
	if err != nil {
		return nil, err
	}

	if item.Status == constants.ItemStatusCompleted {
		if err := o.store.Archive(ctx, item.ID); err != nil {
			return nil, err
		}
		o.logger.Info().Str("item_id", item.ID).Msg("item completed and archived")
	}

	return &domain.ProcessingSummary{
		ItemID:        item.ID,
		Stage:         fromStage,
		Outcome:       domain.OutcomeSuccess,
		NextStage:     result.NextStage,
		Status:        item.Status,
		CheckpointSeq: seq,
	}, nil
}

// applyFatal marks the item failed, archives it, and emits diagnostics.
func (o *Orchestrator) applyFatal(ctx context.Context, item *domain.WorkflowItem, result *domain.StageResult) (*domain.ProcessingSummary, error) {
	fromStage := item.CurrentStage
	detail := ""
	if result.Err != nil {
		detail = result.Err.Error()
	}

	effects := result.SideEffects
	effects.AddLabels = append(effects.AddLabels, o.labels.Failed)
	if effects.Comment == "" {
		effects.Comment = "Processing failed permanently: " + detail
	}
	if err := o.applySideEffects(ctx, item.ID, effects); err != nil {
		return nil, err
	}

	item, err := o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		syncHandlerFields(it, item)
		recordTransition(it, it.CurrentStage, constants.ItemStatusFailed, "fatal: "+detail)
		it.Status = constants.ItemStatusFailed
		it.LastError = detail
		now := o.clock.Now().UTC()
		it.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, err := o.writeCheckpoint(ctx, item, "")
	if err != nil {
		return nil, err
	}
	if err := o.store.Archive(ctx, item.ID); err != nil {
		return nil, err
	}

	return &domain.ProcessingSummary{
		ItemID:        item.ID,
		Stage:         fromStage,
		Outcome:       domain.OutcomeFatal,
		Status:        constants.ItemStatusFailed,
		CheckpointSeq: seq,
		Err:           detail,
	}, nil
}

// applyRetry records the retry, checkpoints the decision, and waits out
// the backoff delay under the caller's context.
func (o *Orchestrator) applyRetry(ctx context.Context, item *domain.WorkflowItem, stageName constants.Stage, decision recovery.Decision, cause error) (*domain.WorkflowItem, error) {
	item, err := o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		syncHandlerFields(it, item)
		it.IncrementRetry(stageName)
		it.LastError = cause.Error()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.writeCheckpoint(ctx, item, decision.Strategy); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("item_id", item.ID).
		Str("stage", stageName.String()).
		Int("attempt", item.RetryCount(stageName)).
		Dur("delay", decision.Delay).
		Msg("retrying after backoff")

	if decision.Delay > 0 {
		if err := o.clock.Sleep(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// resolveConflict dispatches an automated rebase pass before the stage is
// re-entered.
func (o *Orchestrator) resolveConflict(ctx context.Context, item *domain.WorkflowItem) error {
	prompt, err := agent.RenderPrompt(agent.KindResolveConflict, &agent.PromptData{
		ItemID:     item.ID,
		Branch:     "gantry/" + item.ID,
		BaseBranch: o.cfg.Forge.BaseBranch,
	})
	if err != nil {
		return err
	}

	if _, err := o.agent.Generate(ctx, &agent.Request{Kind: agent.KindResolveConflict, Prompt: prompt}); err != nil {
		return fmt.Errorf("conflict resolution failed: %w", err)
	}

	if _, err := o.writeCheckpoint(ctx, item, recovery.StrategyConflictResolution); err != nil {
		return err
	}
	return nil
}

// applyTestFix routes the item into the fix stage with the attempt
// counted. The fix runs on the next processing step.
func (o *Orchestrator) applyTestFix(ctx context.Context, item *domain.WorkflowItem, decision recovery.Decision, cause error) (*domain.ProcessingSummary, error) {
	fromStage := item.CurrentStage
	if err := stage.ValidateTransition(fromStage, constants.StageFix); err != nil {
		return nil, err
	}

	item, err := o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		syncHandlerFields(it, item)
		it.FixAttempts++
		recordTransition(it, constants.StageFix, constants.ItemStatusInProgress,
			fmt.Sprintf("test fix attempt %d", it.FixAttempts))
		it.CurrentStage = constants.StageFix
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, err := o.writeCheckpoint(ctx, item, decision.Strategy)
	if err != nil {
		return nil, err
	}

	return &domain.ProcessingSummary{
		ItemID:        item.ID,
		Stage:         fromStage,
		Outcome:       domain.OutcomeEscalate,
		NextStage:     constants.StageFix,
		Status:        item.Status,
		CheckpointSeq: seq,
		Recovery:      decision.Strategy,
		Err:           cause.Error(),
	}, nil
}

// applyManualIntervention parks the item for a human with diagnostics.
// Terminal-but-not-failed: the engine stops touching the item until it is
// externally re-triggered.
func (o *Orchestrator) applyManualIntervention(ctx context.Context, item *domain.WorkflowItem, decision recovery.Decision, cause error) (*domain.ProcessingSummary, error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	effects := domain.SideEffects{
		AddLabels: []string{o.labels.NeedsHuman},
		Comment:   "Human intervention required (" + decision.Reason + "):\n\n" + detail,
	}
	if err := o.applySideEffects(ctx, item.ID, effects); err != nil {
		return nil, err
	}

	fromStage := item.CurrentStage
	item, err := o.mutate(ctx, item, func(it *domain.WorkflowItem) error {
		syncHandlerFields(it, item)
		recordTransition(it, it.CurrentStage, constants.ItemStatusAwaitingHuman, decision.Reason)
		it.Status = constants.ItemStatusAwaitingHuman
		it.LastError = detail
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, err := o.writeCheckpoint(ctx, item, decision.Strategy)
	if err != nil {
		return nil, err
	}

	return &domain.ProcessingSummary{
		ItemID:        item.ID,
		Stage:         fromStage,
		Outcome:       domain.OutcomeEscalate,
		Status:        constants.ItemStatusAwaitingHuman,
		CheckpointSeq: seq,
		Recovery:      decision.Strategy,
		Err:           detail,
	}, nil
}

// applySideEffects performs the declared forge mutations.
func (o *Orchestrator) applySideEffects(ctx context.Context, itemID string, effects domain.SideEffects) error {
	for _, label := range effects.RemoveLabels {
		if err := o.forge.RemoveLabel(ctx, itemID, label); err != nil {
			return fmt.Errorf("failed to remove label %q: %w", label, err)
		}
	}
	for _, label := range effects.AddLabels {
		if err := o.forge.AddLabel(ctx, itemID, label); err != nil {
			return fmt.Errorf("failed to add label %q: %w", label, err)
		}
	}
	if effects.Comment != "" {
		if err := o.forge.PostComment(ctx, itemID, effects.Comment); err != nil {
			return fmt.Errorf("failed to post comment: %w", err)
		}
	}
	return nil
}

// mutate applies a state-store update with conflict retry: on a version
// conflict the item is reloaded and the mutation re-applied, never
// overwritten blindly.
func (o *Orchestrator) mutate(ctx context.Context, item *domain.WorkflowItem, fn state.Mutator) (*domain.WorkflowItem, error) {
	for {
		updated, err := o.store.Update(ctx, item.ID, item.Version, fn)
		if err == nil {
			return updated, nil
		}

		var conflict *gantryerrors.StateConflictError
		if !gantryerrors.As(err, &conflict) {
			return nil, err
		}

		o.logger.Debug().
			Str("item_id", item.ID).
			Int64("expected", conflict.Expected).
			Int64("actual", conflict.Actual).
			Msg("state conflict, reloading")

		item, err = o.store.Load(ctx, item.ID)
		if err != nil {
			return nil, err
		}
	}
}

// writeCheckpoint appends a full item snapshot checkpoint.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, item *domain.WorkflowItem, strategy string) (uint64, error) {
	payload := &domain.CheckpointPayload{
		Status:   item.Status,
		Version:  item.Version,
		Recovery: strategy,
	}
	if item.Plan != nil {
		payload.TaskStatuses = make(map[string]constants.TaskStatus, len(item.Plan.Tasks))
		for _, task := range item.Plan.Tasks {
			payload.TaskStatuses[task.TaskID] = task.Status
		}
	}

	cp, err := o.checkpoints.Append(ctx, item.ID, item.CurrentStage, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to checkpoint item %q: %w", item.ID, err)
	}
	o.metrics.CheckpointAppended()
	return cp.SequenceNumber, nil
}

// syncHandlerFields folds handler-side mutations into the stored copy a
// store update operates on. Stage handlers receive an in-memory item and
// may set the plan, diagnostics, and completion time; the store mutator
// sees the on-disk record, so those fields must be carried over.
func syncHandlerFields(dst, src *domain.WorkflowItem) {
	dst.Plan = src.Plan
	dst.LastError = src.LastError
	if src.CompletedAt != nil {
		dst.CompletedAt = src.CompletedAt
	}
}

// recordTransition appends to the item's audit trail.
func recordTransition(item *domain.WorkflowItem, toStage constants.Stage, toStatus constants.ItemStatus, reason string) {
	item.Transitions = append(item.Transitions, domain.Transition{
		FromStage:  item.CurrentStage,
		ToStage:    toStage,
		FromStatus: item.Status,
		ToStatus:   toStatus,
		Timestamp:  time.Now().UTC(),
		Reason:     reason,
	})
}

func triggerReason(trigger *domain.Trigger) string {
	if trigger.EventLabel == "" {
		return "daemon poll"
	}
	return "label " + trigger.EventLabel
}
