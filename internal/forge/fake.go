package forge

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gantryhq/gantry/internal/ctxutil"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// FakeProvider is an in-memory Provider for tests. All operations are safe
// for concurrent use. Failures can be injected per operation name.
type FakeProvider struct {
	mu sync.Mutex

	items    map[string]*Item
	branches map[string]bool
	prs      []*PullRequest
	comments map[string][]string

	// failures maps operation name (e.g. "add_label") to the error every
	// call to that operation returns. Remove the entry to heal.
	failures map[string]error

	// calls records operation invocations in order, for assertions.
	calls []string

	nextPRNumber int
}

// NewFakeProvider creates an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		items:        make(map[string]*Item),
		branches:     make(map[string]bool),
		comments:     make(map[string][]string),
		failures:     make(map[string]error),
		nextPRNumber: 1,
	}
}

// Compile-time check that FakeProvider implements Provider.
var _ Provider = (*FakeProvider)(nil)

// SeedItem registers an item with the given labels.
func (f *FakeProvider) SeedItem(id, title string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = &Item{
		ID:     id,
		Title:  title,
		Labels: append([]string(nil), labels...),
	}
}

// FailWith makes every call to the named operation return err until the
// entry is cleared with FailWith(op, nil).
func (f *FakeProvider) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns operation invocations in order.
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Comments returns the comments posted to the item.
func (f *FakeProvider) Comments(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[id]...)
}

// Branches returns the created branch names, sorted.
func (f *FakeProvider) Branches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.branches))
	for name := range f.branches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PullRequests returns the created PRs in creation order.
func (f *FakeProvider) PullRequests() []*PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PullRequest(nil), f.prs...)
}

func (f *FakeProvider) begin(ctx context.Context, op string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err := f.failures[op]; err != nil {
		return err
	}
	return nil
}

// GetItem fetches the current state of an item.
func (f *FakeProvider) GetItem(ctx context.Context, id string) (*Item, error) {
	if err := f.begin(ctx, "get_item"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("item %q: %w", id, gantryerrors.ErrItemNotFound)
	}
	copied := *item
	copied.Labels = append([]string(nil), item.Labels...)
	return &copied, nil
}

// ListLabels returns the labels on the item.
func (f *FakeProvider) ListLabels(ctx context.Context, id string) ([]string, error) {
	item, err := f.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return item.Labels, nil
}

// AddLabel applies a label. Idempotent.
func (f *FakeProvider) AddLabel(ctx context.Context, id, label string) error {
	if err := f.begin(ctx, "add_label"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("item %q: %w", id, gantryerrors.ErrItemNotFound)
	}
	for _, existing := range item.Labels {
		if existing == label {
			return nil
		}
	}
	item.Labels = append(item.Labels, label)
	return nil
}

// RemoveLabel removes a label. Removing an absent label is not an error.
func (f *FakeProvider) RemoveLabel(ctx context.Context, id, label string) error {
	if err := f.begin(ctx, "remove_label"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("item %q: %w", id, gantryerrors.ErrItemNotFound)
	}
	kept := item.Labels[:0]
	for _, existing := range item.Labels {
		if existing != label {
			kept = append(kept, existing)
		}
	}
	item.Labels = kept
	return nil
}

// PostComment records a comment on the item.
func (f *FakeProvider) PostComment(ctx context.Context, id, body string) error {
	if err := f.begin(ctx, "post_comment"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return fmt.Errorf("item %q: %w", id, gantryerrors.ErrItemNotFound)
	}
	f.comments[id] = append(f.comments[id], body)
	return nil
}

// CreateBranch records a branch. Idempotent.
func (f *FakeProvider) CreateBranch(ctx context.Context, name, _ string) error {
	if err := f.begin(ctx, "create_branch"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[name] = true
	return nil
}

// CreatePullRequest records a PR.
func (f *FakeProvider) CreatePullRequest(ctx context.Context, head, base, title, _ string) (*PullRequest, error) {
	if err := f.begin(ctx, "create_pull_request"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	pr := &PullRequest{
		Number:  f.nextPRNumber,
		URL:     "https://forge.test/owner/repo/pull/" + strconv.Itoa(f.nextPRNumber),
		HeadRef: head,
		BaseRef: base,
	}
	f.nextPRNumber++
	f.prs = append(f.prs, pr)
	return pr, nil
}

// MergePullRequest marks a PR merged.
func (f *FakeProvider) MergePullRequest(ctx context.Context, number int) error {
	if err := f.begin(ctx, "merge_pull_request"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs {
		if pr.Number == number {
			return nil
		}
	}
	return fmt.Errorf("pr %d: %w", number, gantryerrors.ErrItemNotFound)
}
