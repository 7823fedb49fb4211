package cli

import (
	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/config"
	"github.com/flotilla-dev/flotilla/pkg/graph"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <config>",
		Short: "Resolve a configuration into execution layers without deploying",
		Long: `Resolve validates the configuration, checks dependency references,
detects cycles, and prints the parallel execution layers a deploy
would run.

Examples:
  flotilla resolve fleet.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			resolution, err := graph.Resolve(cfg.Apps)
			if err != nil {
				return err
			}

			printPlan(cmd.OutOrStdout(), resolution)
			return nil
		},
	}

	return cmd
}
