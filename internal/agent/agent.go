// Package agent abstracts the AI coding agent that produces plans, code
// changes, reviews, and fixes. The production implementation shells out to
// an agent CLI; a fake provides scripted responses for tests.
package agent

import (
	"context"
	"time"
)

// Kind identifies the type of work requested from the agent.
type Kind string

// Agent request kinds, one per generative stage.
const (
	KindPlan            Kind = "plan"
	KindPlanReview      Kind = "plan_review"
	KindImplement       Kind = "implement"
	KindCodeReview      Kind = "code_review"
	KindQA              Kind = "qa"
	KindFix             Kind = "fix"
	KindResolveConflict Kind = "resolve_conflict"
)

// Request describes one agent invocation.
type Request struct {
	// Kind selects the prompt template and output handling.
	Kind Kind

	// Prompt is the fully rendered prompt text.
	Prompt string

	// WorkingDir is the repository checkout the agent operates in.
	// Empty means the current directory.
	WorkingDir string

	// Timeout bounds the invocation. Zero uses the provider default.
	Timeout time.Duration
}

// Result is the agent's response.
type Result struct {
	// Output is the raw text the agent produced.
	Output string

	// Duration is the wall-clock invocation time.
	Duration time.Duration
}

// Provider is the contract the stage pipeline requires from the agent.
// Implementations classify failures as retryable or not via
// *errors.ExternalServiceError.
type Provider interface {
	// Generate runs the agent on the request and returns its output.
	Generate(ctx context.Context, req *Request) (*Result, error)
}
