// Package metrics defines the instrumentation hooks the engine emits.
// Callers depend on the Recorder interface only; the Prometheus
// implementation is opt-in via configuration, and the noop implementation
// keeps the hot path allocation-free when metrics are disabled.
package metrics

import (
	"time"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
)

// Recorder receives engine instrumentation events.
type Recorder interface {
	// StageCompleted records one stage execution with its outcome.
	StageCompleted(stage constants.Stage, outcome domain.Outcome, duration time.Duration)

	// TaskCompleted records one task execution with its terminal status.
	TaskCompleted(status constants.TaskStatus, duration time.Duration)

	// RecoveryDecided records one recovery decision by strategy name.
	RecoveryDecided(strategy string)

	// CheckpointAppended records one checkpoint write.
	CheckpointAppended()

	// ItemsInProgress tracks the number of items currently being processed.
	ItemsInProgress(delta int)
}

// Noop discards all events.
type Noop struct{}

// Compile-time check that Noop implements Recorder.
var _ Recorder = (*Noop)(nil)

// StageCompleted does nothing.
func (Noop) StageCompleted(constants.Stage, domain.Outcome, time.Duration) {}

// TaskCompleted does nothing.
func (Noop) TaskCompleted(constants.TaskStatus, time.Duration) {}

// RecoveryDecided does nothing.
func (Noop) RecoveryDecided(string) {}

// CheckpointAppended does nothing.
func (Noop) CheckpointAppended() {}

// ItemsInProgress does nothing.
func (Noop) ItemsInProgress(int) {}
