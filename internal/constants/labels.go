package constants

// Trigger and progress labels applied to issues/PRs on the git host.
// Stage handlers declare label mutations as side effects; the orchestrator
// is the single writer that applies them through the forge provider.
//
// The names are defaults and can be overridden via the labels section of
// the configuration.
const (
	// LabelNeedsPlanning triggers the Planning stage.
	LabelNeedsPlanning = "needs-planning"

	// LabelProposed marks an item whose plan awaits review.
	LabelProposed = "proposed"

	// LabelPlanApproved triggers progression out of Approval.
	LabelPlanApproved = "plan-approved"

	// LabelInProgress marks an item under active implementation.
	LabelInProgress = "in-progress"

	// LabelNeedsReview marks an item awaiting code review.
	LabelNeedsReview = "needs-review"

	// LabelNeedsQA marks an item in the QA stage.
	LabelNeedsQA = "needs-qa"

	// LabelReadyToMerge marks an item that passed QA.
	LabelReadyToMerge = "ready-to-merge"

	// LabelDone marks a completed item.
	LabelDone = "done"

	// LabelNeedsHuman marks an item escalated for manual intervention.
	LabelNeedsHuman = "needs-human"

	// LabelFailed marks an item that reached the failed status.
	LabelFailed = "gantry-failed"
)
