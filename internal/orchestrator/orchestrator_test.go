package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/forge"
	"github.com/gantryhq/gantry/internal/state"
)

type testHarness struct {
	orch        *Orchestrator
	store       state.Store
	checkpoints checkpoint.Store
	forge       *forge.FakeProvider
	agent       *agent.FakeAgent
	cfg         *config.Config
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.Recovery.MaxRetries = 2
	cfg.Recovery.BackoffInitial = time.Millisecond
	cfg.Recovery.BackoffMax = 2 * time.Millisecond

	store, err := state.NewFileStore(cfg.Home)
	require.NoError(t, err)

	checkpoints, err := checkpoint.New(constants.CheckpointBackendFile, cfg.Home)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })

	fakeForge := forge.NewFakeProvider()
	fakeAgent := agent.NewFakeAgent()

	return &testHarness{
		orch:        New(cfg, store, checkpoints, fakeForge, fakeAgent),
		store:       store,
		checkpoints: checkpoints,
		forge:       fakeForge,
		agent:       fakeAgent,
		cfg:         cfg,
	}
}

func trigger(itemID, label string) *domain.Trigger {
	return &domain.Trigger{ItemID: itemID, EventLabel: label, ReceivedAt: time.Now()}
}

const validPlanJSON = `{"tasks":[
	{"task_id":"T1","description":"schema","depends_on":[]},
	{"task_id":"T2","description":"cache layer","depends_on":[]},
	{"task_id":"T3","description":"wire it up","depends_on":["T1","T2"]}
]}`

func testPlan(statuses map[string]constants.TaskStatus) *domain.Plan {
	plan := &domain.Plan{
		PlanID:         "plan-1",
		Revision:       1,
		BranchStrategy: domain.BranchShared,
		CreatedAt:      time.Now().UTC(),
		Tasks: []*domain.Task{
			{TaskID: "T1", Description: "schema", Status: constants.TaskStatusBlocked},
			{TaskID: "T2", Description: "cache layer", Status: constants.TaskStatusBlocked},
			{TaskID: "T3", Description: "wire it up", DependsOn: []string{"T1", "T2"}, Status: constants.TaskStatusBlocked},
		},
	}
	for id, status := range statuses {
		plan.TaskByID(id).Status = status
	}
	return plan
}

// seedItem installs an item record at the given stage with a matching
// forge-side item, mimicking mid-lifecycle state.
func (h *testHarness) seedItem(t *testing.T, id string, stage constants.Stage, mutate func(*domain.WorkflowItem)) {
	t.Helper()
	ctx := context.Background()

	h.forge.SeedItem(id, "Add caching")

	initial := &domain.WorkflowItem{
		CurrentStage: stage,
		Status:       constants.ItemStatusInProgress,
	}
	if mutate != nil {
		mutate(initial)
	}
	_, err := h.store.Create(ctx, id, initial)
	require.NoError(t, err)
}

// TestProcessPlanningTrigger covers the first trigger for a fresh item:
// the item record is created, the planning stage runs, labels flip, a
// comment is posted, and a checkpoint lands.
func TestProcessPlanningTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.forge.SeedItem("42", "Add caching", constants.LabelNeedsPlanning)
	h.agent.Respond(agent.KindPlan, validPlanJSON)

	summary, err := h.orch.Process(ctx, trigger("42", constants.LabelNeedsPlanning))
	require.NoError(t, err)

	assert.Equal(t, "42", summary.ItemID)
	assert.Equal(t, constants.StagePlanning, summary.Stage)
	assert.Equal(t, domain.OutcomeSuccess, summary.Outcome)
	assert.Equal(t, constants.StagePlanReview, summary.NextStage)
	assert.Equal(t, constants.ItemStatusInProgress, summary.Status)
	assert.NotZero(t, summary.CheckpointSeq)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, constants.StagePlanReview, item.CurrentStage)
	require.NotNil(t, item.Plan)
	assert.Len(t, item.Plan.Tasks, 3)
	assert.NotEmpty(t, item.Transitions)

	forgeItem, err := h.forge.GetItem(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, forgeItem.Labels, constants.LabelProposed)
	assert.NotContains(t, forgeItem.Labels, constants.LabelNeedsPlanning)
	assert.NotEmpty(t, h.forge.Comments("42"))

	latest, err := h.checkpoints.Latest(ctx, "42")
	require.NoError(t, err)
	payload, err := latest.DecodePayload()
	require.NoError(t, err)
	assert.Len(t, payload.TaskStatuses, 3)
}

// TestProcessTerminalItems verifies duplicate triggers on finished items
// are reported idempotently without invoking any stage.
func TestProcessTerminalItems(t *testing.T) {
	ctx := context.Background()

	t.Run("completed item is untouched", func(t *testing.T) {
		h := newHarness(t)
		h.seedItem(t, "7", constants.StageCompleted, func(it *domain.WorkflowItem) {
			it.Status = constants.ItemStatusCompleted
		})

		summary, err := h.orch.Process(ctx, trigger("7", constants.LabelNeedsPlanning))
		require.NoError(t, err)
		assert.Equal(t, constants.ItemStatusCompleted, summary.Status)
		assert.Empty(t, h.agent.Requests())
	})

	t.Run("parked item ignores daemon polls but resumes on label", func(t *testing.T) {
		h := newHarness(t)
		h.seedItem(t, "8", constants.StageApproval, func(it *domain.WorkflowItem) {
			it.Status = constants.ItemStatusAwaitingHuman
		})

		summary, err := h.orch.Process(ctx, trigger("8", ""))
		require.NoError(t, err)
		assert.Equal(t, constants.ItemStatusAwaitingHuman, summary.Status)
		assert.Empty(t, h.agent.Requests())

		require.NoError(t, h.forge.AddLabel(ctx, "8", constants.LabelPlanApproved))
		summary, err = h.orch.Process(ctx, trigger("8", constants.LabelPlanApproved))
		require.NoError(t, err)
		assert.Equal(t, constants.StageImplementation, summary.NextStage)
	})
}

// TestApprovalParksItem verifies the approval gate: without the approval
// label the item parks awaiting a human and no labels change.
func TestApprovalParksItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageApproval, nil)
	require.NoError(t, h.forge.AddLabel(ctx, "42", constants.LabelProposed))

	summary, err := h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageApproval, summary.NextStage)
	assert.Equal(t, constants.ItemStatusAwaitingHuman, summary.Status)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, constants.StageApproval, item.CurrentStage)
	assert.Equal(t, constants.ItemStatusAwaitingHuman, item.Status)
}

// TestTransientRetriesExhausted drives a persistently failing agent
// through the retry budget and expects escalation to a human.
func TestTransientRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.forge.SeedItem("42", "Add caching", constants.LabelNeedsPlanning)
	h.agent.Fail(agent.KindPlan,
		gantryerrors.NewExternalServiceError("agent", "generate", true, errors.New("rate limited")))

	summary, err := h.orch.Process(ctx, trigger("42", constants.LabelNeedsPlanning))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeEscalate, summary.Outcome)
	assert.Equal(t, constants.ItemStatusAwaitingHuman, summary.Status)
	assert.Equal(t, "manual_intervention", summary.Recovery)

	// Initial attempt plus MaxRetries retries.
	assert.Len(t, h.agent.RequestsOf(agent.KindPlan), h.cfg.Recovery.MaxRetries+1)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Recovery.MaxRetries, item.RetryCount(constants.StagePlanning))
	assert.Contains(t, item.LastError, "retries exhausted")

	forgeItem, err := h.forge.GetItem(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, forgeItem.Labels, constants.LabelNeedsHuman)
	assert.NotEmpty(t, h.forge.Comments("42"))
}

// TestImplementationTransientFailureRetries verifies a rate-limited task
// re-enters implementation under the bounded retry policy instead of
// escalating: only the failed task re-runs, and the item moves on.
func TestImplementationTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageImplementation, func(it *domain.WorkflowItem) {
		it.Plan = testPlan(nil)
	})

	// First implement call is rate limited; the queue then repeats success.
	h.agent.
		Fail(agent.KindImplement,
			gantryerrors.NewExternalServiceError("agent", "generate", true, errors.New("rate limited"))).
		Respond(agent.KindImplement, "Done.")

	summary, err := h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, summary.Outcome)
	assert.Equal(t, constants.StageCodeReview, summary.NextStage)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount(constants.StageImplementation))
	assert.Equal(t, constants.StageCodeReview, item.CurrentStage)

	// Two parallel tasks on the first pass (T3 stays blocked behind the
	// failure), then the failed task and T3 on the retry.
	assert.Len(t, h.agent.RequestsOf(agent.KindImplement), 4)

	// The retry decision landed in the checkpoint log.
	checkpoints, err := h.checkpoints.List(ctx, "42")
	require.NoError(t, err)
	sawRetry := false
	for _, cp := range checkpoints {
		payload, decodeErr := cp.DecodePayload()
		require.NoError(t, decodeErr)
		if payload.Recovery == "retry" {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry, "expected a checkpoint recording the retry decision")
}

// TestQAFailureRoutesToFix walks the test-fix loop: a failing QA run
// moves the item into the fix stage with the attempt counted, the fix
// runs on the next step, and QA passes after the repair.
func TestQAFailureRoutesToFix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageQA, func(it *domain.WorkflowItem) {
		it.Plan = testPlan(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusSucceeded,
			"T3": constants.TaskStatusSucceeded,
		})
	})

	h.agent.
		Respond(agent.KindQA, "FAIL\nTestCacheEviction: expected 3 entries, got 4").
		Respond(agent.KindFix, "Corrected eviction order comparison.").
		Respond(agent.KindQA, "PASS")

	// QA fails, routing to fix.
	summary, err := h.orch.Process(ctx, trigger("42", constants.LabelNeedsQA))
	require.NoError(t, err)
	assert.Equal(t, constants.StageFix, summary.NextStage)
	assert.Equal(t, "test_fix", summary.Recovery)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, item.FixAttempts)
	assert.Contains(t, item.LastError, "TestCacheEviction")

	// Fix runs and hands back to QA.
	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageQA, summary.NextStage)

	fixRequests := h.agent.RequestsOf(agent.KindFix)
	require.Len(t, fixRequests, 1)
	assert.Contains(t, fixRequests[0].Prompt, "TestCacheEviction")

	// QA passes on re-verification.
	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageMerge, summary.NextStage)
}

// TestFixSucceedsWithinBudget drives two consecutive failing QA runs and a
// third that passes: each failure counts one fix attempt, and the item
// reaches merge before the fix budget is spent.
func TestFixSucceedsWithinBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageQA, func(it *domain.WorkflowItem) {
		it.Plan = testPlan(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusSucceeded,
			"T3": constants.TaskStatusSucceeded,
		})
	})

	h.agent.
		Respond(agent.KindQA, "FAIL\nTestEvictionOrder: wrong entry evicted").
		Respond(agent.KindQA, "FAIL\nTestEvictionOrder: still wrong under contention").
		Respond(agent.KindQA, "PASS").
		Respond(agent.KindFix, "Reordered the eviction comparison.").
		Respond(agent.KindFix, "Added the missing lock around the LRU list.")

	// First failure: one fix attempt counted, fix stage runs next.
	summary, err := h.orch.Process(ctx, trigger("42", constants.LabelNeedsQA))
	require.NoError(t, err)
	assert.Equal(t, constants.StageFix, summary.NextStage)

	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageQA, summary.NextStage)

	// Second failure: the budget still has room, another fix runs.
	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageFix, summary.NextStage)
	assert.Equal(t, "test_fix", summary.Recovery)

	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageQA, summary.NextStage)

	// Third run passes.
	summary, err = h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, summary.Outcome)
	assert.Equal(t, constants.StageMerge, summary.NextStage)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, item.FixAttempts)
	assert.Less(t, item.FixAttempts, h.cfg.Recovery.MaxFixAttempts)
	assert.Equal(t, constants.StageMerge, item.CurrentStage)
	assert.Equal(t, constants.ItemStatusInProgress, item.Status)

	assert.Len(t, h.agent.RequestsOf(agent.KindQA), 3)
	fixRequests := h.agent.RequestsOf(agent.KindFix)
	require.Len(t, fixRequests, 2)
	assert.Contains(t, fixRequests[1].Prompt, "under contention")
}

// TestFixAttemptsExhausted verifies the separate fix budget: once it is
// spent, a failing QA run escalates instead of dispatching another fix.
func TestFixAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageQA, func(it *domain.WorkflowItem) {
		it.FixAttempts = h.cfg.Recovery.MaxFixAttempts
	})
	h.agent.Respond(agent.KindQA, "FAIL\nstill red")

	summary, err := h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.ItemStatusAwaitingHuman, summary.Status)
	assert.Equal(t, "manual_intervention", summary.Recovery)
}

// TestMergeConflictResolution verifies a persistent conflict dispatches
// bounded automated resolution before handing the item to a human.
func TestMergeConflictResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageMerge, nil)
	h.forge.FailWith("merge_pull_request", gantryerrors.ErrMergeConflict)
	h.agent.Respond(agent.KindResolveConflict, "Rebased and resolved.")

	summary, err := h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)

	assert.Equal(t, constants.ItemStatusAwaitingHuman, summary.Status)
	assert.Len(t, h.agent.RequestsOf(agent.KindResolveConflict), h.cfg.Recovery.MaxRetries)

	forgeItem, err := h.forge.GetItem(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, forgeItem.Labels, constants.LabelNeedsHuman)
}

// TestFatalOutcomeFailsItem verifies the fatal path: unparseable plan
// output marks the item failed, labels it, and archives it.
func TestFatalOutcomeFailsItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.forge.SeedItem("42", "Add caching", constants.LabelNeedsPlanning)
	h.agent.Respond(agent.KindPlan, "I could not produce a plan.")

	summary, err := h.orch.Process(ctx, trigger("42", constants.LabelNeedsPlanning))
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeFatal, summary.Outcome)
	assert.Equal(t, constants.ItemStatusFailed, summary.Status)

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, constants.ItemStatusFailed, item.Status)
	require.NotNil(t, item.CompletedAt)

	forgeItem, err := h.forge.GetItem(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, forgeItem.Labels, constants.LabelFailed)
}

// TestResumeSkipsCompletedTasks restores an interrupted implementation
// from its checkpoint and verifies already-succeeded tasks do not re-run.
func TestResumeSkipsCompletedTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StageImplementation, func(it *domain.WorkflowItem) {
		it.Plan = testPlan(nil)
	})

	// Checkpoint from the interrupted run: T1 and T2 finished, T3 was
	// mid-flight when the process died.
	_, err := h.checkpoints.Append(ctx, "42", constants.StageImplementation, &domain.CheckpointPayload{
		Status: constants.ItemStatusInProgress,
		TaskStatuses: map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusSucceeded,
			"T3": constants.TaskStatusRunning,
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.ResumeAll(ctx))

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusSucceeded, item.Plan.TaskByID("T1").Status)
	assert.Equal(t, constants.TaskStatusSucceeded, item.Plan.TaskByID("T2").Status)
	assert.NotEqual(t, constants.TaskStatusSucceeded, item.Plan.TaskByID("T3").Status)

	h.agent.Respond(agent.KindImplement, "Wired the cache into the handlers.")

	summary, err := h.orch.Process(ctx, trigger("42", ""))
	require.NoError(t, err)
	assert.Equal(t, constants.StageCodeReview, summary.NextStage)

	implRequests := h.agent.RequestsOf(agent.KindImplement)
	require.Len(t, implRequests, 1)
	assert.Contains(t, implRequests[0].Prompt, "T3")
}

// TestResumeWithoutCheckpoint tolerates an in-progress item that never
// checkpointed; its stage simply restarts.
func TestResumeWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedItem(t, "42", constants.StagePlanning, nil)

	require.NoError(t, h.orch.ResumeAll(ctx))

	item, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, constants.StagePlanning, item.CurrentStage)
}

// TestDaemonPoll advances pending items one stage each, skipping
// terminal ones, under the item concurrency bound.
func TestDaemonPoll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedItem(t, "1", constants.StageQA, nil)
	h.seedItem(t, "2", constants.StageCompleted, func(it *domain.WorkflowItem) {
		it.Status = constants.ItemStatusCompleted
	})
	h.agent.Respond(agent.KindQA, "PASS")

	daemon := NewDaemon(h.orch)
	require.NoError(t, daemon.poll(ctx))

	item, err := h.store.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, constants.StageMerge, item.CurrentStage)

	// The completed item produced no agent traffic.
	assert.Len(t, h.agent.Requests(), 1)
}

// TestProcessValidation rejects empty triggers.
func TestProcessValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Process(context.Background(), &domain.Trigger{})
	require.Error(t, err)
	assert.True(t, gantryerrors.Is(err, gantryerrors.ErrEmptyValue))
}
