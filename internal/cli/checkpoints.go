package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/domain"
)

// AddCheckpointsCommand adds the checkpoints command to the root command.
func AddCheckpointsCommand(root *cobra.Command, flags *GlobalFlags) {
	root.AddCommand(newCheckpointsCmd(flags))
}

// newCheckpointsCmd creates the checkpoints command.
func newCheckpointsCmd(flags *GlobalFlags) *cobra.Command {
	var latest bool

	cmd := &cobra.Command{
		Use:   "checkpoints <item-id>",
		Short: "Inspect an item's checkpoint log",
		Long: `List the append-only checkpoint log for one item, oldest first.
Pass --latest to show only the most recent checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer eng.close()

			if latest {
				cp, err := eng.checkpoints.Latest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCheckpoints(cmd, flags, []*domain.Checkpoint{cp})
			}

			list, err := eng.checkpoints.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCheckpoints(cmd, flags, list)
		},
	}

	cmd.Flags().BoolVar(&latest, "latest", false, "show only the most recent checkpoint")

	return cmd
}

// printCheckpoints renders checkpoints in the selected output format.
func printCheckpoints(cmd *cobra.Command, flags *GlobalFlags, list []*domain.Checkpoint) error {
	if flags.Output == OutputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "No checkpoints.")
		return nil
	}

	_, _ = fmt.Fprintf(out, "%-6s %-16s %s\n", "SEQ", "STAGE", "TIMESTAMP")
	for _, cp := range list {
		_, _ = fmt.Fprintf(out, "%-6d %-16s %s\n",
			cp.SequenceNumber, cp.Stage, cp.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}
