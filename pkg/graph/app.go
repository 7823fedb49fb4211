// Package graph models the app dependency graph and resolves it into
// ordered parallel execution layers.
package graph

import (
	"github.com/flotilla-dev/flotilla/pkg/hooks"
)

// Kind identifies the variant of an app. The orchestrator dispatches stage
// execution through a registry keyed by kind and stays ignorant of the
// kind-specific payload shape.
type Kind string

const (
	// KindHelm deploys a Helm release.
	KindHelm Kind = "helm"
	// KindManifests applies a set of raw manifest files.
	KindManifests Kind = "manifests"
	// KindGit deploys a chart fetched from a git repository.
	KindGit Kind = "git"
	// KindScript runs a scripted action as its deploy stage.
	KindScript Kind = "script"
	// KindExec runs a single shell command as its deploy stage.
	KindExec Kind = "exec"
	// KindHook is an app whose sole behavior is running its task list; it
	// has no prepare/build/template payload.
	KindHook Kind = "hook"
	// KindNoop deploys nothing. Useful as a grouping anchor for
	// dependencies.
	KindNoop Kind = "noop"
)

// App is one deployable unit from the configuration.
type App struct {
	// Name uniquely identifies the app.
	Name string `yaml:"name"`

	// Kind selects the stage executor.
	Kind Kind `yaml:"kind"`

	// Namespace optionally overrides the target namespace.
	Namespace string `yaml:"namespace,omitempty"`

	// Release optionally overrides the release name. Defaults to Name.
	Release string `yaml:"release,omitempty"`

	// Enabled apps participate in resolution and execution. Disabled apps
	// are excluded from the graph; edges onto them are vacuously
	// satisfied.
	Enabled bool `yaml:"enabled"`

	// DependsOn names apps that must reach a terminal successful state
	// before this app starts.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Hooks holds the lifecycle hook bundle, if any.
	Hooks *hooks.Bundle `yaml:"hooks,omitempty"`

	// Tasks is the task list of a hook app (Kind == KindHook). Other
	// kinds leave it empty and declare tasks through Hooks.
	Tasks []hooks.Task `yaml:"tasks,omitempty"`

	// Payload carries kind-specific configuration opaque to the core
	// (chart reference, manifest paths, script lines, git URL).
	Payload map[string]interface{} `yaml:"payload,omitempty"`
}

// ReleaseName returns the effective release name.
func (a *App) ReleaseName() string {
	if a.Release != "" {
		return a.Release
	}
	return a.Name
}

// IsHookApp reports whether the app's only lifecycle action is running its
// task list.
func (a *App) IsHookApp() bool {
	return a.Kind == KindHook
}
