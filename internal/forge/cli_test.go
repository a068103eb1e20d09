package forge

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// mockExecutor returns canned output per invocation.
type mockExecutor struct {
	stdout []byte
	stderr []byte
	err    error

	// args records the argv of each executed command.
	args [][]string
}

func (m *mockExecutor) Execute(_ context.Context, cmd *exec.Cmd) ([]byte, []byte, error) {
	m.args = append(m.args, cmd.Args)
	return m.stdout, m.stderr, m.err
}

// TestCLIProviderGetItem tests item parsing.
func TestCLIProviderGetItem(t *testing.T) {
	ctx := context.Background()

	t.Run("parses gh json output", func(t *testing.T) {
		executor := &mockExecutor{
			stdout: []byte(`{"number":42,"title":"Add caching","body":"details","labels":[{"name":"needs-planning"},{"name":"bug"}],"updatedAt":"2026-08-30T10:00:00Z"}`),
		}
		provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

		item, err := provider.GetItem(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "42", item.ID)
		assert.Equal(t, "Add caching", item.Title)
		assert.Equal(t, []string{"needs-planning", "bug"}, item.Labels)

		require.Len(t, executor.args, 1)
		assert.Equal(t, []string{"gh", "issue", "view", "42", "--json", "number,title,body,labels,updatedAt"}, executor.args[0])
	})

	t.Run("invalid json yields forge operation error", func(t *testing.T) {
		executor := &mockExecutor{stdout: []byte("not json")}
		provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

		_, err := provider.GetItem(ctx, "42")
		require.Error(t, err)
		assert.ErrorIs(t, err, gantryerrors.ErrForgeOperation)
	})
}

// TestCLIProviderErrorClassification tests retryable vs permanent failures.
func TestCLIProviderErrorClassification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		stderr        string
		wantRetryable bool
		wantStatus    int
	}{
		{
			name:          "rate limit is retryable",
			stderr:        "HTTP 429: API rate limit exceeded",
			wantRetryable: true,
			wantStatus:    429,
		},
		{
			name:          "bad gateway is retryable",
			stderr:        "HTTP 502: bad gateway",
			wantRetryable: true,
			wantStatus:    502,
		},
		{
			name:          "connection reset is retryable",
			stderr:        "connection reset by peer",
			wantRetryable: true,
		},
		{
			name:          "validation failure is permanent",
			stderr:        "HTTP 422: Validation Failed",
			wantRetryable: false,
			wantStatus:    422,
		},
		{
			name:          "not found is permanent",
			stderr:        "HTTP 404: Not Found",
			wantRetryable: false,
			wantStatus:    404,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := &mockExecutor{stderr: []byte(tt.stderr), err: errors.New("exit status 1")}
			provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

			err := provider.AddLabel(ctx, "42", "proposed")
			require.Error(t, err)

			var svcErr *gantryerrors.ExternalServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, "forge", svcErr.Service)
			assert.Equal(t, "add_label", svcErr.Op)
			assert.Equal(t, tt.wantRetryable, svcErr.Retryable)
			assert.Equal(t, tt.wantStatus, svcErr.StatusCode)
			assert.Equal(t, tt.wantRetryable, gantryerrors.IsRetryable(err))
		})
	}
}

// TestCLIProviderMerge tests merge conflict detection.
func TestCLIProviderMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("clean merge succeeds", func(t *testing.T) {
		executor := &mockExecutor{}
		provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

		require.NoError(t, provider.MergePullRequest(ctx, 17))
		require.Len(t, executor.args, 1)
		assert.Equal(t, []string{"gh", "pr", "merge", "17", "--merge"}, executor.args[0])
	})

	t.Run("conflict maps to merge conflict sentinel", func(t *testing.T) {
		executor := &mockExecutor{
			stderr: []byte("GraphQL: Pull Request is not mergeable: conflicts must be resolved"),
			err:    errors.New("exit status 1"),
		}
		provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

		err := provider.MergePullRequest(ctx, 17)
		require.Error(t, err)
		assert.ErrorIs(t, err, gantryerrors.ErrMergeConflict)
	})
}

// TestCLIProviderCreatePullRequest tests PR creation parsing.
func TestCLIProviderCreatePullRequest(t *testing.T) {
	ctx := context.Background()

	executor := &mockExecutor{stdout: []byte("https://forge.test/owner/repo/pull/17\n")}
	provider := NewCLIProvider("gh", "origin", WithExecutor(executor))

	pr, err := provider.CreatePullRequest(ctx, "gantry/42", "main", "Add caching", "body")
	require.NoError(t, err)
	assert.Equal(t, 17, pr.Number)
	assert.Equal(t, "gantry/42", pr.HeadRef)
	assert.Equal(t, "main", pr.BaseRef)
}

// TestCLIProviderCancellation tests context handling.
func TestCLIProviderCancellation(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	provider := NewCLIProvider("gh", "origin", WithExecutor(&mockExecutor{}))

	err := provider.AddLabel(canceled, "42", "proposed")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
