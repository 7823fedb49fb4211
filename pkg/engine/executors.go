package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
)

// HelmPayload is the kind-specific configuration of a helm app.
type HelmPayload struct {
	// Chart is a repo reference ("bitnami/postgresql") or a local chart
	// directory.
	Chart   string `yaml:"chart"`
	Version string `yaml:"version,omitempty"`

	// Repo optionally registers a chart repository during prepare.
	Repo *HelmRepo `yaml:"repo,omitempty"`

	// Values lists values files passed with -f, in order.
	Values []string `yaml:"values,omitempty"`

	// Set holds individual --set overrides.
	Set map[string]string `yaml:"set,omitempty"`

	// Wait passes --wait to helm upgrade.
	Wait    bool   `yaml:"wait,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// HelmRepo names a chart repository.
type HelmRepo struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// localChart reports whether the chart reference is a filesystem path.
func (p *HelmPayload) localChart() bool {
	return p.Chart != "" && (p.Chart[0] == '.' || filepath.IsAbs(p.Chart))
}

// HelmExecutor deploys helm apps by shelling out to the helm CLI.
type HelmExecutor struct {
	runner run.Runner
	logger *slog.Logger
}

// NewHelmExecutor creates a helm stage executor.
func NewHelmExecutor(runner run.Runner, logger *slog.Logger) *HelmExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HelmExecutor{runner: runner, logger: logger}
}

func (e *HelmExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	payload, err := decodePayload[HelmPayload](app.Payload)
	if err != nil {
		return err
	}
	if payload.Chart == "" {
		return fmt.Errorf("helm app %q declares no chart", app.Name)
	}

	switch stage {
	case StagePrepare:
		if payload.Repo == nil {
			return nil
		}
		return e.helm(ctx, ec, "repo", "add", "--force-update", payload.Repo.Name, payload.Repo.URL)

	case StageBuild:
		if !payload.localChart() {
			return nil
		}
		return e.helm(ctx, ec, "dependency", "update", payload.Chart)

	case StageTemplate:
		args := append([]string{"template", ec.Release, payload.Chart}, e.commonArgs(payload, ec)...)
		return e.helm(ctx, ec, args...)

	case StageDeploy:
		args := []string{"upgrade", "--install", ec.Release, payload.Chart}
		args = append(args, e.commonArgs(payload, ec)...)
		if payload.Wait {
			args = append(args, "--wait")
		}
		if payload.Timeout != "" {
			args = append(args, "--timeout", payload.Timeout)
		}
		return e.helm(ctx, ec, args...)
	}
	return nil
}

func (e *HelmExecutor) commonArgs(payload *HelmPayload, ec hooks.ExecContext) []string {
	var args []string
	if ec.Namespace != "" {
		args = append(args, "--namespace", ec.Namespace)
	}
	if payload.Version != "" {
		args = append(args, "--version", payload.Version)
	}
	for _, f := range payload.Values {
		args = append(args, "-f", f)
	}
	// Sorted so the rendered command line is stable.
	keys := make([]string, 0, len(payload.Set))
	for k := range payload.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--set", fmt.Sprintf("%s=%s", k, payload.Set[k]))
	}
	return args
}

func (e *HelmExecutor) helm(ctx context.Context, ec hooks.ExecContext, args ...string) error {
	e.logger.Debug("helm", "app", ec.App, "args", args)
	result, err := e.runner.Run(ctx, run.Cmd{
		Argv: append([]string{"helm"}, args...),
		Dir:  ec.WorkDir,
		Env:  ec.Environment(),
	})
	if err != nil && result != nil && result.Stderr != "" {
		return fmt.Errorf("%w: %s", err, result.Stderr)
	}
	return err
}

// ManifestsPayload is the kind-specific configuration of a manifests app.
type ManifestsPayload struct {
	// Paths lists manifest files or directories applied in order.
	Paths []string `yaml:"paths"`
}

// ManifestsExecutor applies raw manifest files through the cluster client.
type ManifestsExecutor struct {
	apply  kube.ApplyClient
	logger *slog.Logger
}

// NewManifestsExecutor creates a manifests stage executor.
func NewManifestsExecutor(apply kube.ApplyClient, logger *slog.Logger) *ManifestsExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestsExecutor{apply: apply, logger: logger}
}

func (e *ManifestsExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	payload, err := decodePayload[ManifestsPayload](app.Payload)
	if err != nil {
		return err
	}
	if len(payload.Paths) == 0 {
		return fmt.Errorf("manifests app %q declares no paths", app.Name)
	}

	switch stage {
	case StageTemplate:
		// Rendering for raw manifests is an existence check: catch missing
		// files before anything touches the cluster.
		for _, p := range payload.Paths {
			full := p
			if !filepath.IsAbs(full) && ec.WorkDir != "" {
				full = filepath.Join(ec.WorkDir, full)
			}
			if _, err := os.Stat(full); err != nil {
				return fmt.Errorf("manifest %s: %w", p, err)
			}
		}
		return nil

	case StageDeploy:
		for _, p := range payload.Paths {
			e.logger.Debug("applying manifest", "app", ec.App, "path", p)
			if err := e.apply.Apply(ctx, p, ec.Namespace); err != nil {
				return fmt.Errorf("manifest %s: %w", p, err)
			}
		}
		return nil
	}
	return nil
}

// ScriptPayload is the kind-specific configuration of a script app.
type ScriptPayload struct {
	// Script is a multi-line shell script run as the deploy stage.
	Script string `yaml:"script"`

	// Build optionally names a script run during the build stage.
	Build string `yaml:"build,omitempty"`

	Workdir string `yaml:"workdir,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// ScriptExecutor runs scripted apps through the process runner.
type ScriptExecutor struct {
	runner run.Runner
	logger *slog.Logger
}

// NewScriptExecutor creates a script stage executor.
func NewScriptExecutor(runner run.Runner, logger *slog.Logger) *ScriptExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptExecutor{runner: runner, logger: logger}
}

func (e *ScriptExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	payload, err := decodePayload[ScriptPayload](app.Payload)
	if err != nil {
		return err
	}

	var script string
	switch stage {
	case StageBuild:
		script = payload.Build
	case StageDeploy:
		script = payload.Script
	}
	if script == "" {
		if stage == StageDeploy {
			return fmt.Errorf("script app %q declares no script", app.Name)
		}
		return nil
	}

	var timeout time.Duration
	if payload.Timeout != "" {
		if timeout, err = time.ParseDuration(payload.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", payload.Timeout, err)
		}
	}

	dir := payload.Workdir
	if dir == "" {
		dir = ec.WorkDir
	}

	e.logger.Debug("running script stage", "app", ec.App, "stage", string(stage))
	result, err := e.runner.Run(ctx, run.Cmd{
		Script:  script,
		Dir:     dir,
		Env:     ec.Environment(),
		Timeout: timeout,
	})
	if err != nil && result != nil && result.Stderr != "" {
		return fmt.Errorf("%w: %s", err, result.Stderr)
	}
	return err
}

// ExecPayload is the kind-specific configuration of an exec app.
type ExecPayload struct {
	// Command is the argument vector run as the deploy stage.
	Command []string `yaml:"command"`

	Workdir string `yaml:"workdir,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// ExecExecutor runs a single command as an app's deploy stage.
type ExecExecutor struct {
	runner run.Runner
	logger *slog.Logger
}

// NewExecExecutor creates an exec stage executor.
func NewExecExecutor(runner run.Runner, logger *slog.Logger) *ExecExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecExecutor{runner: runner, logger: logger}
}

func (e *ExecExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	if stage != StageDeploy {
		return nil
	}

	payload, err := decodePayload[ExecPayload](app.Payload)
	if err != nil {
		return err
	}
	if len(payload.Command) == 0 {
		return fmt.Errorf("exec app %q declares no command", app.Name)
	}

	var timeout time.Duration
	if payload.Timeout != "" {
		if timeout, err = time.ParseDuration(payload.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", payload.Timeout, err)
		}
	}

	dir := payload.Workdir
	if dir == "" {
		dir = ec.WorkDir
	}

	e.logger.Debug("running exec stage", "app", ec.App, "argv", payload.Command)
	result, err := e.runner.Run(ctx, run.Cmd{
		Argv:    payload.Command,
		Dir:     dir,
		Env:     ec.Environment(),
		Timeout: timeout,
	})
	if err != nil && result != nil && result.Stderr != "" {
		return fmt.Errorf("%w: %s", err, result.Stderr)
	}
	return err
}

// NoopExecutor does nothing for every stage. Noop apps act as grouping
// anchors in the dependency graph.
type NoopExecutor struct{}

// NewNoopExecutor creates a noop stage executor.
func NewNoopExecutor() *NoopExecutor {
	return &NoopExecutor{}
}

func (e *NoopExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	return nil
}
