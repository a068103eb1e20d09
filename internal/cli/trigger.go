package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/domain"
)

// AddTriggerCommand adds the trigger command to the root command.
func AddTriggerCommand(root *cobra.Command, flags *GlobalFlags) {
	root.AddCommand(newTriggerCmd(flags))
}

// newTriggerCmd creates the trigger command.
func newTriggerCmd(flags *GlobalFlags) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "trigger <item-id>",
		Short: "Process one item through its current lifecycle stage",
		Long: `Process a single issue or pull request through its current stage.

A first trigger for an unknown item creates its record and starts
planning. Subsequent triggers advance the item one stage at a time.
Pass --label to name the label event that fired the trigger; a label
trigger also resumes items parked for human input (e.g. after the
plan-approved label is applied).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			eng, err := newEngine(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer eng.close()

			summary, err := eng.orch.Process(cmd.Context(), &domain.Trigger{
				ItemID:     args[0],
				EventLabel: label,
				ReceivedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}

			return printSummary(cmd, flags, summary)
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "label event that fired the trigger")

	return cmd
}

// printSummary renders a processing summary in the selected output format.
func printSummary(cmd *cobra.Command, flags *GlobalFlags, summary *domain.ProcessingSummary) error {
	if flags.Output == OutputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Item:    %s\n", summary.ItemID)
	_, _ = fmt.Fprintf(out, "Stage:   %s\n", summary.Stage)
	if summary.Outcome != "" {
		_, _ = fmt.Fprintf(out, "Outcome: %s\n", summary.Outcome)
	}
	if summary.NextStage != "" && summary.NextStage != summary.Stage {
		_, _ = fmt.Fprintf(out, "Next:    %s\n", summary.NextStage)
	}
	_, _ = fmt.Fprintf(out, "Status:  %s\n", summary.Status)
	if summary.Recovery != "" {
		_, _ = fmt.Fprintf(out, "Recovery: %s\n", summary.Recovery)
	}
	if summary.Err != "" {
		_, _ = fmt.Fprintf(out, "Error:   %s\n", summary.Err)
	}
	return nil
}
