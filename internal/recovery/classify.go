// Package recovery decides what happens after a stage fails. Errors are
// classified into kinds, and an ordered list of strategies is consulted;
// the first strategy that applies produces the decision. Manual
// intervention is the strategy of last resort and always applies, so every
// failure yields a decision.
package recovery

import (
	"context"
	"errors"

	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// ErrorKind is a coarse failure classification driving strategy selection.
type ErrorKind string

// Error kinds, from most to least automatically recoverable.
const (
	// KindTransient covers rate limits, timeouts, and flaky upstream
	// services. Safe to retry with backoff.
	KindTransient ErrorKind = "transient"

	// KindMergeConflict covers git merge or rebase conflicts.
	KindMergeConflict ErrorKind = "merge_conflict"

	// KindTestFailure covers failing test suites after an implementation
	// or fix attempt.
	KindTestFailure ErrorKind = "test_failure"

	// KindUnknown covers everything else. Never retried automatically.
	KindUnknown ErrorKind = "unknown"
)

// Classify maps a stage error to its kind. Cancellation is deliberately
// not classified here: a canceled context aborts processing entirely
// rather than entering recovery.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, gantryerrors.ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, gantryerrors.ErrTestFailure):
		return KindTestFailure
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case gantryerrors.IsRetryable(err):
		return KindTransient
	default:
		return KindUnknown
	}
}
