package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flotilla-dev/flotilla/internal/logging"
	"github.com/flotilla-dev/flotilla/pkg/engine"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
)

func newRollbackCmd() *cobra.Command {
	var (
		kubeconfig    string
		kubeContext   string
		workdir       string
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "rollback <app>",
		Short: "Re-deploy an app's last succeeded revision",
		Long: `Rollback finds the app's most recent succeeded revision and re-runs
its deploy from the configuration snapshot stored with that revision.
The attempt is recorded as a new revision.

Examples:
  flotilla rollback api
  flotilla rollback api --backend sqlite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			logger := logging.NewLogger(os.Stderr, logging.ParseLevel(viper.GetString("log-level")))

			store, err := createStore(backendType, backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state store: %w", err)
			}
			defer store.Close()

			runner := run.NewLocal()
			cluster := kube.NewClient(runner, kubeconfig, kubeContext)

			hookEngine := hooks.NewEngine(runner, cluster, cluster, logger, hooks.DefaultOptions())
			registry := newStageRegistry(runner, cluster, workdir, logger)

			orchestrator := engine.New(registry, hookEngine, store, logger, engine.Options{
				WorkDir: workdir,
			})

			record, err := orchestrator.Rollback(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "[success] Rolled back %q (revision %d, %s)\n",
				record.App, record.Revision, record.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	cmd.Flags().StringVar(&kubeContext, "kube-context", "", "Kubeconfig context to use")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for stages")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}
