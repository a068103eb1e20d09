package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/domain"
)

// AddStatusCommand adds the status command to the root command.
func AddStatusCommand(root *cobra.Command, flags *GlobalFlags) {
	root.AddCommand(newStatusCmd(flags))
}

// newStatusCmd creates the status command.
func newStatusCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [item-id]",
		Short: "Show item stage, status, and plan progress",
		Long: `Show the current lifecycle position of one item, or a one-line
summary of every known item when no id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer eng.close()

			if len(args) == 1 {
				item, err := eng.store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printItem(cmd, flags, item)
			}

			items, err := eng.store.List(cmd.Context())
			if err != nil {
				return err
			}
			return printItemList(cmd, flags, items)
		},
	}
}

// printItem renders one item in the selected output format.
func printItem(cmd *cobra.Command, flags *GlobalFlags, item *domain.WorkflowItem) error {
	if flags.Output == OutputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Item:    %s\n", item.ID)
	_, _ = fmt.Fprintf(out, "Stage:   %s\n", item.CurrentStage)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", item.Status)
	_, _ = fmt.Fprintf(out, "Version: %d\n", item.Version)
	_, _ = fmt.Fprintf(out, "Updated: %s\n", item.UpdatedAt.Format("2006-01-02 15:04:05"))

	if item.Plan != nil {
		_, _ = fmt.Fprintf(out, "Plan:    revision %d, %d tasks\n", item.Plan.Revision, len(item.Plan.Tasks))
		for _, task := range item.Plan.Tasks {
			_, _ = fmt.Fprintf(out, "  %-12s %-10s %s\n", task.TaskID, task.Status, task.Description)
		}
	}
	if item.LastError != "" {
		_, _ = fmt.Fprintf(out, "Error:   %s\n", item.LastError)
	}
	return nil
}

// printItemList renders a one-line-per-item summary.
func printItemList(cmd *cobra.Command, flags *GlobalFlags, items []*domain.WorkflowItem) error {
	if flags.Output == OutputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		_, _ = fmt.Fprintln(out, "No items.")
		return nil
	}

	_, _ = fmt.Fprintf(out, "%-12s %-16s %-16s %s\n", "ITEM", "STAGE", "STATUS", "UPDATED")
	for _, item := range items {
		_, _ = fmt.Fprintf(out, "%-12s %-16s %-16s %s\n",
			item.ID, item.CurrentStage, item.Status,
			item.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
