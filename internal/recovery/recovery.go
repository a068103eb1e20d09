package recovery

import (
	"time"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
)

// Strategy names, recorded in checkpoints and transition reasons.
const (
	StrategyRetry              = "retry"
	StrategyConflictResolution = "conflict_resolution"
	StrategyTestFix            = "test_fix"
	StrategyManualIntervention = "manual_intervention"
)

// Decision is the recovery manager's verdict for one failure.
type Decision struct {
	// Strategy names the strategy that produced this decision.
	Strategy string `json:"strategy"`

	// Kind is the classified error kind.
	Kind ErrorKind `json:"kind"`

	// Delay is how long to wait before acting on the decision. Zero for
	// immediate action.
	Delay time.Duration `json:"delay"`

	// Escalate indicates the item must be handed to a human: processing
	// stops and the needs-human label is applied.
	Escalate bool `json:"escalate"`

	// Reason is a short human-readable explanation for logs and labels.
	Reason string `json:"reason"`
}

// Options tunes the recovery manager. Zero values fall back to the
// package defaults from constants.
type Options struct {
	MaxRetries        int
	MaxFixAttempts    int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = constants.DefaultMaxRetries
	}
	if o.MaxFixAttempts <= 0 {
		o.MaxFixAttempts = constants.DefaultMaxFixAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = constants.DefaultBackoffInitial
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = constants.DefaultBackoffMultiplier
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = constants.DefaultBackoffMax
	}
	return o
}

// Manager selects a recovery strategy for stage failures. Strategies are
// consulted in a fixed order (retry, conflict resolution, test fix, manual
// intervention); the first applicable one decides.
type Manager struct {
	opts    Options
	backoff BackoffPolicy
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts: opts,
		backoff: BackoffPolicy{
			Initial:    opts.BackoffInitial,
			Multiplier: opts.BackoffMultiplier,
			Max:        opts.BackoffMax,
		},
	}
}

// Decide classifies the error and returns the recovery decision for the
// item's current failure. The item is read-only here; the orchestrator
// applies the decision (incrementing attempt counters, scheduling the
// retry, or escalating).
func (m *Manager) Decide(item *domain.WorkflowItem, stage constants.Stage, err error) Decision {
	kind := Classify(err)

	switch kind {
	case KindTransient:
		return m.decideRetry(item, stage)
	case KindMergeConflict:
		return Decision{
			Strategy: StrategyConflictResolution,
			Kind:     kind,
			Reason:   "merge conflict detected, dispatching automated rebase",
		}
	case KindTestFailure:
		return m.decideTestFix(item)
	case KindUnknown:
	}

	return Decision{
		Strategy: StrategyManualIntervention,
		Kind:     kind,
		Escalate: true,
		Reason:   "unrecognized failure requires human review",
	}
}

// decideRetry retries transient failures with backoff until the per-stage
// retry budget is exhausted, then escalates.
func (m *Manager) decideRetry(item *domain.WorkflowItem, stage constants.Stage) Decision {
	attempt := item.RetryCount(stage) + 1
	if attempt > m.opts.MaxRetries {
		return Decision{
			Strategy: StrategyManualIntervention,
			Kind:     KindTransient,
			Escalate: true,
			Reason:   "transient-error retries exhausted",
		}
	}
	return Decision{
		Strategy: StrategyRetry,
		Kind:     KindTransient,
		Delay:    m.backoff.Delay(attempt),
		Reason:   "transient failure, retrying with backoff",
	}
}

// decideTestFix dispatches a fix attempt until the fix budget is
// exhausted, then escalates.
func (m *Manager) decideTestFix(item *domain.WorkflowItem) Decision {
	if item.FixAttempts >= m.opts.MaxFixAttempts {
		return Decision{
			Strategy: StrategyManualIntervention,
			Kind:     KindTestFailure,
			Escalate: true,
			Reason:   "test-fix attempts exhausted",
		}
	}
	return Decision{
		Strategy: StrategyTestFix,
		Kind:     KindTestFailure,
		Reason:   "tests failing, dispatching fix attempt",
	}
}
