// Package clock provides an abstraction for time operations to improve
// testability. Code that would otherwise call time.Now() or time.Sleep()
// directly takes a Clock, which tests replace with a fixed or stepping
// implementation.
package clock

import (
	"context"
	"time"
)

// Clock is an interface for time operations.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the duration or until the context is canceled,
	// returning the context error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock implements Clock using the actual system time.
type RealClock struct{}

// Now returns the current time from the system clock.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep waits out the duration, honoring cancellation.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure RealClock implements Clock.
var _ Clock = RealClock{}

// Fixed is a Clock pinned to a single instant, for tests.
type Fixed struct {
	// T is the instant Now always returns.
	T time.Time
}

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return f.T
}

// Sleep returns immediately; fixed clocks never block.
func (f Fixed) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Ensure Fixed implements Clock.
var _ Clock = Fixed{}
