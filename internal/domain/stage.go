package domain

import "github.com/gantryhq/gantry/internal/constants"

// Outcome is the result category of one stage execution. Control flow is
// data: handlers signal retry/escalation through the outcome rather than
// through error types alone.
type Outcome string

// Stage outcomes.
const (
	// OutcomeSuccess advances the item to StageResult.NextStage.
	OutcomeSuccess Outcome = "success"

	// OutcomeRetry requests a bounded retry of the same stage.
	OutcomeRetry Outcome = "retry"

	// OutcomeEscalate hands the failure to the recovery manager for
	// strategy selection beyond plain retry.
	OutcomeEscalate Outcome = "escalate"

	// OutcomeFatal marks the item failed without further recovery.
	OutcomeFatal Outcome = "fatal"
)

// String returns the outcome as a string.
func (o Outcome) String() string {
	return string(o)
}

// SideEffects declares the external mutations a stage wants applied.
// Stage handlers never touch the forge directly; the orchestrator is the
// single writer of record and applies these after a successful handler run.
type SideEffects struct {
	// AddLabels are labels to add to the item.
	AddLabels []string `json:"add_labels,omitempty"`

	// RemoveLabels are labels to remove from the item.
	RemoveLabels []string `json:"remove_labels,omitempty"`

	// Comment is posted to the item when non-empty.
	Comment string `json:"comment,omitempty"`
}

// Empty returns true if no side effects are declared.
func (s SideEffects) Empty() bool {
	return len(s.AddLabels) == 0 && len(s.RemoveLabels) == 0 && s.Comment == ""
}

// StageResult is the outcome of one stage execution.
type StageResult struct {
	// Outcome categorizes the result.
	Outcome Outcome `json:"outcome"`

	// NextStage is the stage to advance to when Outcome is Success.
	NextStage constants.Stage `json:"next_stage,omitempty"`

	// SideEffects are the external mutations to apply.
	SideEffects SideEffects `json:"side_effects,omitempty"`

	// Err is the failure detail when Outcome is not Success.
	Err error `json:"-"`
}
