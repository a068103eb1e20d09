package cli

import (
	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/orchestrator"
	"github.com/gantryhq/gantry/internal/signal"
)

// AddDaemonCommand adds the daemon command to the root command.
func AddDaemonCommand(root *cobra.Command) {
	root.AddCommand(newDaemonCmd())
}

// newDaemonCmd creates the daemon command.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the polling engine until interrupted",
		Long: `Run gantry as a long-lived process.

On startup, interrupted items are restored from their checkpoints. The
daemon then polls the state store on the configured interval and advances
every pending item one stage per cycle, bounded by the item concurrency
limit. SIGINT or SIGTERM drains in-flight work to a checkpoint and exits
cleanly.

When metrics are enabled in the configuration, a Prometheus endpoint is
served at /metrics on the configured listen address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := GetLogger()

			handler := signal.NewHandler(cmd.Context())
			defer handler.Stop()
			ctx := handler.Context()

			eng, err := newEngine(ctx, logger)
			if err != nil {
				return err
			}
			defer eng.close()

			daemon := orchestrator.NewDaemon(eng.orch,
				orchestrator.WithMetricsHandler(eng.metrics.Handler()))

			return daemon.Run(ctx)
		},
	}
}
