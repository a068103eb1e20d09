package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/ctxutil"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

const serviceName = "forge"

// CommandExecutor abstracts command execution for testing.
// The production implementation uses exec.Cmd to run subprocesses,
// while tests can provide a mock implementation.
type CommandExecutor interface {
	// Execute runs the command and returns stdout, stderr, and any error.
	Execute(ctx context.Context, cmd *exec.Cmd) (stdout, stderr []byte, err error)
}

// DefaultExecutor is the production implementation of CommandExecutor.
type DefaultExecutor struct{}

// Execute runs the command and captures its output.
func (e *DefaultExecutor) Execute(_ context.Context, cmd *exec.Cmd) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIProvider implements Provider by shelling out to the gh CLI.
// It relies on gh's own authentication (GH_TOKEN or gh auth login) and
// repository detection from the working directory.
type CLIProvider struct {
	binary   string
	remote   string
	executor CommandExecutor
	logger   zerolog.Logger
}

// CLIOption configures a CLIProvider.
type CLIOption func(*CLIProvider)

// WithExecutor overrides the command executor, for tests.
func WithExecutor(executor CommandExecutor) CLIOption {
	return func(p *CLIProvider) { p.executor = executor }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) CLIOption {
	return func(p *CLIProvider) { p.logger = logger }
}

// NewCLIProvider creates a Provider backed by the gh binary. An empty
// binary defaults to "gh".
func NewCLIProvider(binary, remote string, opts ...CLIOption) *CLIProvider {
	if binary == "" {
		binary = "gh"
	}
	p := &CLIProvider{
		binary:   binary,
		remote:   remote,
		executor: &DefaultExecutor{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Compile-time check that CLIProvider implements Provider.
var _ Provider = (*CLIProvider)(nil)

// ghItem mirrors the fields requested from gh's JSON output.
type ghItem struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	IsPullRequest bool `json:"isPullRequest"`
}

// GetItem fetches the current state of an issue or PR.
func (p *CLIProvider) GetItem(ctx context.Context, id string) (*Item, error) {
	stdout, err := p.run(ctx, "get_item",
		"issue", "view", id, "--json", "number,title,body,labels,updatedAt")
	if err != nil {
		return nil, err
	}

	var raw ghItem
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse item %q: %w: %v", id, gantryerrors.ErrForgeOperation, err)
	}

	item := &Item{
		ID:            strconv.Itoa(raw.Number),
		Title:         raw.Title,
		Body:          raw.Body,
		IsPullRequest: raw.IsPullRequest,
		UpdatedAt:     raw.UpdatedAt,
		Labels:        make([]string, 0, len(raw.Labels)),
	}
	for _, label := range raw.Labels {
		item.Labels = append(item.Labels, label.Name)
	}
	return item, nil
}

// ListLabels returns the label names currently on the item.
func (p *CLIProvider) ListLabels(ctx context.Context, id string) ([]string, error) {
	item, err := p.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return item.Labels, nil
}

// AddLabel applies a label to the item.
func (p *CLIProvider) AddLabel(ctx context.Context, id, label string) error {
	_, err := p.run(ctx, "add_label", "issue", "edit", id, "--add-label", label)
	return err
}

// RemoveLabel removes a label from the item.
func (p *CLIProvider) RemoveLabel(ctx context.Context, id, label string) error {
	_, err := p.run(ctx, "remove_label", "issue", "edit", id, "--remove-label", label)
	return err
}

// PostComment adds a comment to the item.
func (p *CLIProvider) PostComment(ctx context.Context, id, body string) error {
	_, err := p.run(ctx, "post_comment", "issue", "comment", id, "--body", body)
	return err
}

// CreateBranch creates a branch from the base branch via the API so no
// local clone is required.
func (p *CLIProvider) CreateBranch(ctx context.Context, name, base string) error {
	baseSHA, err := p.resolveRef(ctx, base)
	if err != nil {
		return err
	}

	_, err = p.run(ctx, "create_branch",
		"api", "repos/{owner}/{repo}/git/refs",
		"-f", "ref=refs/heads/"+name,
		"-f", "sha="+baseSHA)
	if err != nil {
		// A branch that already exists satisfies the contract.
		var svcErr *gantryerrors.ExternalServiceError
		if errors.As(err, &svcErr) && svcErr.StatusCode == 422 {
			return nil
		}
		return err
	}
	return nil
}

// CreatePullRequest opens a PR from head to base. Re-entrant: if a PR for
// the head branch already exists, it is looked up and returned instead.
func (p *CLIProvider) CreatePullRequest(ctx context.Context, head, base, title, body string) (*PullRequest, error) {
	stdout, err := p.run(ctx, "create_pull_request",
		"pr", "create", "--head", head, "--base", base, "--title", title, "--body", body)
	if err != nil {
		var svcErr *gantryerrors.ExternalServiceError
		if errors.As(err, &svcErr) && strings.Contains(svcErr.Err.Error(), "already exists") {
			return p.lookupPullRequest(ctx, head, base)
		}
		return nil, err
	}

	url := strings.TrimSpace(string(stdout))
	number := prNumberFromURL(url)
	return &PullRequest{
		Number:  number,
		URL:     url,
		HeadRef: head,
		BaseRef: base,
	}, nil
}

// MergePullRequest merges the PR with a merge commit.
func (p *CLIProvider) MergePullRequest(ctx context.Context, number int) error {
	_, err := p.run(ctx, "merge_pull_request", "pr", "merge", strconv.Itoa(number), "--merge")
	if err != nil {
		var svcErr *gantryerrors.ExternalServiceError
		if errors.As(err, &svcErr) && isConflictOutput(svcErr.Err.Error()) {
			return fmt.Errorf("pr %d: %w", number, gantryerrors.ErrMergeConflict)
		}
		return err
	}
	return nil
}

// lookupPullRequest finds the open PR for a head branch.
func (p *CLIProvider) lookupPullRequest(ctx context.Context, head, base string) (*PullRequest, error) {
	stdout, err := p.run(ctx, "lookup_pull_request", "pr", "view", head, "--json", "number,url")
	if err != nil {
		return nil, err
	}

	var raw struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pr lookup for %q: %w: %v", head, gantryerrors.ErrForgeOperation, err)
	}
	return &PullRequest{Number: raw.Number, URL: raw.URL, HeadRef: head, BaseRef: base}, nil
}

// resolveRef returns the commit SHA the given branch points at.
func (p *CLIProvider) resolveRef(ctx context.Context, branch string) (string, error) {
	stdout, err := p.run(ctx, "resolve_ref",
		"api", "repos/{owner}/{repo}/git/ref/heads/"+branch, "--jq", ".object.sha")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(stdout)), nil
}

// run executes a gh subcommand, classifying failures.
func (p *CLIProvider) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.binary, args...) //#nosec G204 -- binary comes from operator config
	stdout, stderr, err := p.executor.Execute(ctx, cmd)

	p.logger.Debug().
		Str("op", op).
		Str("binary", p.binary).
		Dur("duration", time.Since(start)).
		Bool("failed", err != nil).
		Msg("forge command finished")

	if err != nil {
		if ctxErr := ctxutil.Canceled(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, p.classify(op, err, stderr)
	}
	return stdout, nil
}

// classify wraps a gh failure as an ExternalServiceError, marking rate
// limits and upstream outages retryable.
func (p *CLIProvider) classify(op string, err error, stderr []byte) error {
	stderrStr := strings.TrimSpace(string(stderr))

	if strings.Contains(err.Error(), "executable file not found") {
		return &gantryerrors.ExternalServiceError{
			Service:   serviceName,
			Op:        op,
			Retryable: false,
			Err:       fmt.Errorf("%s CLI not found: %w", p.binary, gantryerrors.ErrForgeOperation),
		}
	}

	wrapped := fmt.Errorf("%w: %s", gantryerrors.ErrForgeOperation, stderrStr)
	if stderrStr == "" {
		wrapped = fmt.Errorf("%w: %v", gantryerrors.ErrForgeOperation, err)
	}

	return &gantryerrors.ExternalServiceError{
		Service:    serviceName,
		Op:         op,
		StatusCode: statusCodeFromOutput(stderrStr),
		Retryable:  isRetryableOutput(stderrStr),
		Err:        wrapped,
	}
}

// statusCodeFromOutput extracts an HTTP status code from gh error output
// such as "HTTP 422: Validation Failed". Zero when absent.
func statusCodeFromOutput(stderr string) int {
	idx := strings.Index(stderr, "HTTP ")
	if idx < 0 {
		return 0
	}
	rest := stderr[idx+len("HTTP "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return code
}

// isRetryableOutput reports whether the failure looks transient.
func isRetryableOutput(stderr string) bool {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "http 429"),
		strings.Contains(lower, "http 502"),
		strings.Contains(lower, "http 503"),
		strings.Contains(lower, "http 504"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"):
		return true
	}
	return false
}

// isConflictOutput reports whether gh output indicates a merge conflict.
func isConflictOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not mergeable") ||
		strings.Contains(lower, "merge conflict") ||
		strings.Contains(lower, "conflicts must be resolved")
}

// prNumberFromURL extracts the PR number from a URL like
// https://example.com/owner/repo/pull/17. Zero when unparsable.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0
	}
	number, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return number
}
