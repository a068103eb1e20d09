package stage

import (
	"fmt"

	"github.com/gantryhq/gantry/internal/constants"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// ValidTransitions defines the allowed stage graph. A handler's NextStage
// must appear in its current stage's entry; anything else is a programming
// error surfaced as ErrInvalidTransition before any state is persisted.
//
// A stage may name itself (approval) to park the item until an external
// event re-triggers it.
var ValidTransitions = map[constants.Stage][]constants.Stage{
	constants.StagePlanning:       {constants.StagePlanReview},
	constants.StagePlanReview:     {constants.StageApproval, constants.StagePlanning},
	constants.StageApproval:       {constants.StageImplementation, constants.StageApproval},
	constants.StageImplementation: {constants.StageCodeReview},
	constants.StageCodeReview:     {constants.StageQA, constants.StageImplementation},
	constants.StageQA:             {constants.StageMerge, constants.StageFix},
	constants.StageFix:            {constants.StageQA, constants.StageImplementation},
	constants.StageMerge:          {constants.StageCompleted},
	constants.StageCompleted:      {},
}

// CanTransition reports whether moving from one stage to another is
// allowed by the transition table.
func CanTransition(from, to constants.Stage) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition if the move is not
// allowed.
func ValidateTransition(from, to constants.Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("cannot transition from %q to %q: %w", from, to, gantryerrors.ErrInvalidTransition)
	}
	return nil
}
