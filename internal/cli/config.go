package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gantryhq/gantry/internal/config"
)

// AddConfigCommand adds the config command group to the root command.
func AddConfigCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gantry configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	root.AddCommand(cmd)
}

// newConfigShowCmd creates the config show command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the effective configuration after merging defaults, the
global config (~/.gantry/config.yaml), the project config
(.gantry/config.yaml), and GANTRY_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := GetLogger()

			cfg, err := config.Load(logger.WithContext(cmd.Context()))
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return enc.Encode(cfg)
		},
	}
}
