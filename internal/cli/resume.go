package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// AddResumeCommand adds the resume command to the root command.
func AddResumeCommand(root *cobra.Command) {
	root.AddCommand(newResumeCmd())
}

// newResumeCmd creates the resume command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Restore interrupted items from their checkpoints",
		Long: `Restore every in-progress item from its latest checkpoint.

Completed tasks recorded in a checkpoint are never re-run; a task that
was mid-flight when the process died re-executes from scratch. The
daemon performs this automatically on startup; this command exists for
one-shot trigger workflows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := GetLogger()

			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer eng.close()

			if err := eng.orch.ResumeAll(cmd.Context()); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Resume complete.")
			return nil
		},
	}
}
