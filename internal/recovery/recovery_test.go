package recovery

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// TestClassify tests error kind classification.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "merge conflict sentinel",
			err:  gantryerrors.Wrap(gantryerrors.ErrMergeConflict, "rebase onto main"),
			want: KindMergeConflict,
		},
		{
			name: "test failure sentinel",
			err:  gantryerrors.Wrap(gantryerrors.ErrTestFailure, "qa run"),
			want: KindTestFailure,
		},
		{
			name: "retryable external service error",
			err: &gantryerrors.ExternalServiceError{
				Service:   "forge",
				Op:        "add_label",
				Retryable: true,
				Err:       errors.New("502 bad gateway"),
			},
			want: KindTransient,
		},
		{
			name: "non-retryable external service error",
			err: &gantryerrors.ExternalServiceError{
				Service:   "forge",
				Op:        "merge_pull_request",
				Retryable: false,
				Err:       errors.New("404 not found"),
			},
			want: KindUnknown,
		},
		{
			name: "stage timeout",
			err:  &gantryerrors.StageTimeoutError{Stage: string(constants.StageImplementation), Timeout: time.Minute},
			want: KindTransient,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: KindTransient,
		},
		{
			name: "arbitrary error",
			err:  errors.New("panic in handler"),
			want: KindUnknown,
		},
		{
			name: "nil error",
			err:  nil,
			want: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func transientErr() error {
	return &gantryerrors.ExternalServiceError{
		Service:   "agent",
		Op:        "generate",
		Retryable: true,
		Err:       errors.New("429 too many requests"),
	}
}

// TestManagerDecide tests strategy selection.
func TestManagerDecide(t *testing.T) {
	mgr := NewManager(Options{
		MaxRetries:        3,
		MaxFixAttempts:    3,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        2 * time.Minute,
	})

	t.Run("transient failure retries with backoff", func(t *testing.T) {
		item := &domain.WorkflowItem{ID: "42"}

		decision := mgr.Decide(item, constants.StageImplementation, transientErr())
		assert.Equal(t, StrategyRetry, decision.Strategy)
		assert.Equal(t, KindTransient, decision.Kind)
		assert.False(t, decision.Escalate)
		assert.LessOrEqual(t, decision.Delay, time.Second)
	})

	t.Run("exhausted retries escalate", func(t *testing.T) {
		item := &domain.WorkflowItem{
			ID:          "42",
			RetryCounts: map[constants.Stage]int{constants.StageImplementation: 3},
		}

		decision := mgr.Decide(item, constants.StageImplementation, transientErr())
		assert.Equal(t, StrategyManualIntervention, decision.Strategy)
		assert.True(t, decision.Escalate)
	})

	t.Run("retry budget is per stage", func(t *testing.T) {
		item := &domain.WorkflowItem{
			ID:          "42",
			RetryCounts: map[constants.Stage]int{constants.StagePlanning: 3},
		}

		decision := mgr.Decide(item, constants.StageImplementation, transientErr())
		assert.Equal(t, StrategyRetry, decision.Strategy)
	})

	t.Run("merge conflict selects conflict resolution", func(t *testing.T) {
		item := &domain.WorkflowItem{ID: "42"}

		decision := mgr.Decide(item, constants.StageMerge, gantryerrors.ErrMergeConflict)
		assert.Equal(t, StrategyConflictResolution, decision.Strategy)
		assert.False(t, decision.Escalate)
		assert.Zero(t, decision.Delay)
	})

	t.Run("test failure selects test fix", func(t *testing.T) {
		item := &domain.WorkflowItem{ID: "42", FixAttempts: 2}

		decision := mgr.Decide(item, constants.StageQA, gantryerrors.ErrTestFailure)
		assert.Equal(t, StrategyTestFix, decision.Strategy)
		assert.False(t, decision.Escalate)
	})

	t.Run("exhausted fix attempts escalate", func(t *testing.T) {
		item := &domain.WorkflowItem{ID: "42", FixAttempts: 3}

		decision := mgr.Decide(item, constants.StageQA, gantryerrors.ErrTestFailure)
		assert.Equal(t, StrategyManualIntervention, decision.Strategy)
		assert.True(t, decision.Escalate)
	})

	t.Run("unknown errors escalate immediately", func(t *testing.T) {
		item := &domain.WorkflowItem{ID: "42"}

		decision := mgr.Decide(item, constants.StageImplementation, errors.New("segfault"))
		assert.Equal(t, StrategyManualIntervention, decision.Strategy)
		assert.Equal(t, KindUnknown, decision.Kind)
		assert.True(t, decision.Escalate)
	})
}

// TestBackoffPolicy tests delay growth and jitter bounds.
func TestBackoffPolicy(t *testing.T) {
	policy := BackoffPolicy{
		Initial:    time.Second,
		Multiplier: 2.0,
		Max:        2 * time.Minute,
		rng:        rand.New(rand.NewSource(1)), //#nosec G404 -- deterministic test source
	}

	t.Run("ceiling doubles per attempt", func(t *testing.T) {
		assert.Equal(t, time.Second, policy.Ceiling(1))
		assert.Equal(t, 2*time.Second, policy.Ceiling(2))
		assert.Equal(t, 4*time.Second, policy.Ceiling(3))
	})

	t.Run("ceiling is capped", func(t *testing.T) {
		assert.Equal(t, 2*time.Minute, policy.Ceiling(20))
	})

	t.Run("delay stays within the jitter window", func(t *testing.T) {
		for attempt := 1; attempt <= 10; attempt++ {
			delay := policy.Delay(attempt)
			require.GreaterOrEqual(t, delay, time.Duration(0))
			require.LessOrEqual(t, delay, policy.Ceiling(attempt))
		}
	})

	t.Run("attempt below one is clamped", func(t *testing.T) {
		assert.Equal(t, time.Second, policy.Ceiling(0))
		assert.Equal(t, time.Second, policy.Ceiling(-5))
	})
}
