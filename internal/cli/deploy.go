package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flotilla-dev/flotilla/internal/logging"
	"github.com/flotilla-dev/flotilla/pkg/config"
	"github.com/flotilla-dev/flotilla/pkg/engine"
	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
)

func newDeployCmd() *cobra.Command {
	var (
		maxParallel   int
		continueOn    bool
		dryRun        bool
		noCommands    bool
		kubeconfig    string
		kubeContext   string
		workdir       string
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <config>",
		Short: "Deploy every app declared in a configuration file",
		Long: `Deploy every enabled app declared in the configuration file.

Apps are resolved into dependency layers; apps within a layer deploy
concurrently once every app of the previous layer has settled. Each app
runs through its prepare, build, template and deploy stages with hook
tasks around them, then waits for its validation gate.

The first failure aborts the run unless --continue-on-error is set; apps
whose dependency failed are never attempted either way.

Examples:
  flotilla deploy fleet.yml
  flotilla deploy fleet.yml --continue-on-error --max-parallel 4
  flotilla deploy fleet.yml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			logger := logging.NewLogger(os.Stderr, logging.ParseLevel(viper.GetString("log-level")))

			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			resolution, err := graph.Resolve(cfg.Apps)
			if err != nil {
				return err
			}

			store, err := createStore(backendType, backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state store: %w", err)
			}
			defer store.Close()

			runner := run.NewLocal()
			cluster := kube.NewClient(runner, kubeconfig, kubeContext)

			hookEngine := hooks.NewEngine(runner, cluster, cluster, logger, hooks.Options{
				AllowCommandTasks: !noCommands,
			})

			registry := newStageRegistry(runner, cluster, workdir, logger)

			orchestrator := engine.New(registry, hookEngine, store, logger, engine.Options{
				MaxParallel:     maxParallel,
				ContinueOnError: continueOn,
				DryRun:          dryRun,
				WorkDir:         workdir,
				Env:             cfg.Env,
			})

			printPlan(cmd.OutOrStdout(), resolution)

			result, err := orchestrator.Deploy(ctx, resolution)
			if err != nil {
				return err
			}

			printResult(cmd.OutOrStdout(), result)

			if result.Failed() {
				return fmt.Errorf("deployment failed: %w", result.Err())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Cap concurrent deployments per layer (0 = layer size)")
	cmd.Flags().BoolVar(&continueOn, "continue-on-error", false, "Let independent apps finish instead of aborting on the first failure")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing")
	cmd.Flags().BoolVar(&noCommands, "no-command-tasks", false, "Refuse command and inline hook tasks")
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	cmd.Flags().StringVar(&kubeContext, "kube-context", "", "Kubeconfig context to use")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for stages and hook tasks")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}

// newStageRegistry wires the built-in executors for every app kind.
func newStageRegistry(runner run.Runner, cluster kube.ApplyClient, workdir string, logger *slog.Logger) *engine.StageRegistry {
	helm := engine.NewHelmExecutor(runner, logger)

	registry := engine.NewStageRegistry()
	registry.Register(graph.KindHelm, helm)
	registry.Register(graph.KindManifests, engine.NewManifestsExecutor(cluster, logger))
	registry.Register(graph.KindGit, engine.NewGitExecutor(helm, cluster, workdir, logger))
	registry.Register(graph.KindScript, engine.NewScriptExecutor(runner, logger))
	registry.Register(graph.KindExec, engine.NewExecExecutor(runner, logger))
	registry.Register(graph.KindNoop, engine.NewNoopExecutor())
	return registry
}
