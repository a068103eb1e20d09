// Package forge abstracts the code-hosting platform (issues, labels,
// comments, branches, pull requests). The production implementation shells
// out to the gh CLI so authentication and endpoint configuration stay with
// the operator's existing setup; a fake keeps the orchestrator testable
// without a network.
package forge

import (
	"context"
	"time"
)

// Item is a workflow-relevant view of a tracked issue or pull request.
type Item struct {
	// ID is the forge-side identifier (issue or PR number as a string).
	ID string `json:"id"`

	// Title is the item title.
	Title string `json:"title"`

	// Body is the item description.
	Body string `json:"body"`

	// Labels are the currently applied label names.
	Labels []string `json:"labels"`

	// IsPullRequest distinguishes PRs from issues.
	IsPullRequest bool `json:"is_pull_request"`

	// UpdatedAt is the forge-side last-modified timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest describes a created pull request.
type PullRequest struct {
	// Number is the PR number.
	Number int `json:"number"`

	// URL is the web URL of the PR.
	URL string `json:"url"`

	// HeadRef is the source branch.
	HeadRef string `json:"head_ref"`

	// BaseRef is the target branch.
	BaseRef string `json:"base_ref"`
}

// Provider is the contract the stage pipeline requires from the forge.
// Implementations must classify upstream failures as retryable or not via
// *errors.ExternalServiceError so recovery can tell rate limits from
// permanent rejections.
type Provider interface {
	// GetItem fetches the current state of an issue or PR.
	GetItem(ctx context.Context, id string) (*Item, error)

	// ListLabels returns the label names currently on the item.
	ListLabels(ctx context.Context, id string) ([]string, error)

	// AddLabel applies a label to the item. Idempotent.
	AddLabel(ctx context.Context, id, label string) error

	// RemoveLabel removes a label from the item. Removing an absent label
	// is not an error.
	RemoveLabel(ctx context.Context, id, label string) error

	// PostComment adds a comment to the item.
	PostComment(ctx context.Context, id, body string) error

	// CreateBranch creates a branch from the base branch. Idempotent: an
	// existing branch with the same name is left alone.
	CreateBranch(ctx context.Context, name, base string) error

	// CreatePullRequest opens a PR from head to base.
	CreatePullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error)

	// MergePullRequest merges the PR. Fails with ErrMergeConflict if the
	// branch cannot be merged cleanly.
	MergePullRequest(ctx context.Context, number int) error
}
