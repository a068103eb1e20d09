package errors

import (
	"fmt"
	"strings"
	"time"
)

// ExternalServiceError wraps a failure from a collaborator (git host or
// agent backend). The Retryable flag drives recovery classification; the
// optional StatusCode carries the HTTP status when one exists.
type ExternalServiceError struct {
	// Service names the collaborator ("forge", "agent").
	Service string

	// Op is the operation that failed (e.g., "add_label", "generate").
	Op string

	// StatusCode is the HTTP status code, or 0 when not applicable.
	StatusCode int

	// Retryable reports whether the failure is transient.
	Retryable bool

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ExternalServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

// Unwrap returns the underlying error for chain inspection.
func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError builds an ExternalServiceError.
func NewExternalServiceError(service, op string, retryable bool, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Op: op, Retryable: retryable, Err: err}
}

// StateConflictError is an optimistic-concurrency failure: an update was
// attempted with a stale expected version. The caller must reload and retry
// the mutation; the store never silently merges.
type StateConflictError struct {
	// ID is the workflow item id.
	ID string

	// Expected is the version the caller presented.
	Expected int64

	// Actual is the version currently persisted.
	Actual int64
}

// Error implements the error interface.
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on item %q: expected version %d, store has %d", e.ID, e.Expected, e.Actual)
}

// DependencyCycleError reports a cycle in a plan's task dependency graph.
// The plan definition must be corrected by a human; the affected plan is
// never dispatched.
type DependencyCycleError struct {
	// Nodes is the set of task ids remaining after in-degree reduction,
	// i.e. every node participating in (or downstream of) a cycle.
	Nodes []string
}

// Error implements the error interface.
func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(e.Nodes, ", "))
}

// StageTimeoutError indicates a stage execution exceeded its wall-clock
// timeout. Recovery treats it as transient unless repeated.
type StageTimeoutError struct {
	// Stage is the stage that timed out.
	Stage string

	// Timeout is the configured limit that was exceeded.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s exceeded timeout of %s", e.Stage, e.Timeout)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// external-service failure or a stage timeout. Conflicts and validation
// errors are not retryable through this path.
func IsRetryable(err error) bool {
	var ese *ExternalServiceError
	if As(err, &ese) {
		return ese.Retryable
	}
	var ste *StageTimeoutError
	return As(err, &ste)
}
