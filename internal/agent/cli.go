package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/ctxutil"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

const serviceName = "agent"

// CommandExecutor abstracts command execution for testing.
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

// CLIAgent implements Provider by invoking an agent CLI in one-shot mode.
// Credentials are never handled directly: the configured environment
// variable must be set in the process environment, and its value is never
// read into memory here or logged.
type CLIAgent struct {
	binary       string
	model        string
	apiKeyEnvVar string
	timeout      time.Duration
	executor     CommandExecutor
	logger       zerolog.Logger
}

// CLIOption configures a CLIAgent.
type CLIOption func(*CLIAgent)

// WithExecutor overrides the command executor, for tests.
func WithExecutor(executor CommandExecutor) CLIOption {
	return func(a *CLIAgent) { a.executor = executor }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) CLIOption {
	return func(a *CLIAgent) { a.logger = logger }
}

// WithModel selects the model passed to the CLI.
func WithModel(model string) CLIOption {
	return func(a *CLIAgent) { a.model = model }
}

// WithTimeout sets the default invocation timeout.
func WithTimeout(timeout time.Duration) CLIOption {
	return func(a *CLIAgent) { a.timeout = timeout }
}

// NewCLIAgent creates a Provider backed by the given agent binary. An
// empty binary defaults to "claude". apiKeyEnvVar names the environment
// variable holding the credential; empty skips the presence check.
func NewCLIAgent(binary, apiKeyEnvVar string, opts ...CLIOption) *CLIAgent {
	if binary == "" {
		binary = "claude"
	}
	a := &CLIAgent{
		binary:       binary,
		apiKeyEnvVar: apiKeyEnvVar,
		timeout:      constants.DefaultStageTimeout,
		executor:     &DefaultExecutor{},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compile-time check that CLIAgent implements Provider.
var _ Provider = (*CLIAgent)(nil)

// Generate runs the agent on the request.
func (a *CLIAgent) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("agent prompt %w", gantryerrors.ErrEmptyValue)
	}

	if a.apiKeyEnvVar != "" {
		if _, ok := os.LookupEnv(a.apiKeyEnvVar); !ok {
			return nil, fmt.Errorf("%w: environment variable %s is not set",
				gantryerrors.ErrAgentInvocation, a.apiKeyEnvVar)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", req.Prompt, "--output-format", "text"}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	cmd := exec.CommandContext(runCtx, a.binary, args...) //#nosec G204 -- binary comes from operator config
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	start := time.Now()
	stdout, stderr, err := a.executor.Execute(runCtx, cmd)
	elapsed := time.Since(start)

	a.logger.Debug().
		Str("kind", string(req.Kind)).
		Str("binary", a.binary).
		Dur("duration", elapsed).
		Bool("failed", err != nil).
		Msg("agent invocation finished")

	if err != nil {
		if ctxErr := ctxutil.Canceled(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		if runCtx.Err() != nil {
			return nil, &gantryerrors.StageTimeoutError{Timeout: timeout}
		}
		return nil, a.classify(req.Kind, err, stderr)
	}

	return &Result{
		Output:   string(stdout),
		Duration: elapsed,
	}, nil
}

// classify wraps an agent failure as an ExternalServiceError, marking
// overload and rate-limit responses retryable.
func (a *CLIAgent) classify(kind Kind, err error, stderr []byte) error {
	stderrStr := strings.TrimSpace(string(stderr))

	if strings.Contains(err.Error(), "executable file not found") {
		return &gantryerrors.ExternalServiceError{
			Service:   serviceName,
			Op:        string(kind),
			Retryable: false,
			Err:       fmt.Errorf("%s CLI not found: %w", a.binary, gantryerrors.ErrAgentInvocation),
		}
	}

	wrapped := fmt.Errorf("%w: %s", gantryerrors.ErrAgentInvocation, stderrStr)
	if stderrStr == "" {
		wrapped = fmt.Errorf("%w: %v", gantryerrors.ErrAgentInvocation, err)
	}

	return &gantryerrors.ExternalServiceError{
		Service:   serviceName,
		Op:        string(kind),
		Retryable: isRetryableOutput(stderrStr),
		Err:       wrapped,
	}
}

// isRetryableOutput reports whether the failure looks transient.
func isRetryableOutput(stderr string) bool {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "529"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"):
		return true
	}
	return false
}
