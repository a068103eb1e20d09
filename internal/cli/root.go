package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gantryhq/gantry/internal/errors"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// globalLogger stores the initialized logger for use by subcommands.
// This is set during PersistentPreRunE and should be accessed via GetLogger.
// Access is protected by globalLoggerMu for thread safety.
var (
	globalLogger   zerolog.Logger //nolint:gochecknoglobals // CLI logger requires global access
	globalLoggerMu sync.RWMutex   //nolint:gochecknoglobals // Protects globalLogger
)

// GetLogger returns the initialized logger for use by subcommands.
//
// This function MUST only be called after the root command's
// PersistentPreRunE has executed; before that it returns a zero-value
// logger that discards all output. It is safe for concurrent use.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// newRootCmd creates and returns the root command for the gantry CLI.
func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "gantry",
		Short: "GANTRY - label-driven software change automation",
		Long: `GANTRY drives issues and pull requests through a software-change
lifecycle: planning, plan review, approval, implementation, code review,
QA, and merge. Stage transitions are triggered by labels on the git host
and every step is checkpointed so interrupted work resumes without
repeating itself.

Commands:
  • trigger      process one item through its current stage
  • daemon       poll for pending work continuously
  • status       show an item's stage, status, and plan
  • resume       restore interrupted items from checkpoints
  • checkpoints  inspect an item's checkpoint log`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := BindGlobalFlags(v, cmd); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}

			if !IsValidOutputFormat(flags.Output) {
				return fmt.Errorf("%w: %q must be one of %v", errors.ErrInvalidOutputFormat, flags.Output, ValidOutputFormats())
			}

			globalLoggerMu.Lock()
			globalLogger = InitLogger(flags.Verbose, flags.Quiet)
			globalLoggerMu.Unlock()

			return nil
		},
		// SilenceUsage prevents printing usage on error
		// (we handle our own error messages)
		SilenceUsage: true,
	}

	AddGlobalFlags(cmd, flags)

	AddTriggerCommand(cmd, flags)
	AddDaemonCommand(cmd)
	AddStatusCommand(cmd, flags)
	AddResumeCommand(cmd)
	AddCheckpointsCommand(cmd, flags)
	AddConfigCommand(cmd)

	return cmd
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	flags := &GlobalFlags{}
	cmd := newRootCmd(flags, info)
	return cmd.ExecuteContext(ctx)
}
