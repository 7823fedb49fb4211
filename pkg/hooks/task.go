// Package hooks implements the lifecycle hook task engine: staged task
// execution around deployment stages, validation gating, and best-effort
// rollback of completed work when a phase fails.
package hooks

import (
	"time"

	"github.com/flotilla-dev/flotilla/pkg/kube"
)

// Stage identifies the deployment stage a hook phase surrounds.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageBuild   Stage = "build"
	StageDeploy  Stage = "deploy"
)

// When identifies where a hook phase runs relative to its stage.
type When string

const (
	WhenPre       When = "pre"
	WhenPost      When = "post"
	WhenOnFailure When = "on-failure"
)

// TaskType identifies the variant of a task.
type TaskType string

const (
	TaskTypeCommand   TaskType = "command"
	TaskTypeManifests TaskType = "manifests"
	TaskTypeInline    TaskType = "inline"
)

// ManifestAction selects how a manifest file is sent to the cluster.
type ManifestAction string

const (
	ManifestApply  ManifestAction = "apply"
	ManifestDelete ManifestAction = "delete"
)

// Manifest is one manifest file entry within a manifests task.
type Manifest struct {
	Path   string         `yaml:"path"`
	Action ManifestAction `yaml:"action,omitempty"`
}

// Validation gates progression past a task (or a whole bundle) on a cluster
// resource reaching readiness.
type Validation struct {
	Resource     kube.ResourceRef `yaml:"resource"`
	WaitForReady bool             `yaml:"wait_for_ready"`
	Interval     time.Duration    `yaml:"interval,omitempty"`
	Timeout      time.Duration    `yaml:"timeout,omitempty"`
}

// Needs declares additional gates a task requires before it may run:
// earlier tasks in the same bundle that must have succeeded, and external
// resources that must be ready.
type Needs struct {
	Tasks     []string           `yaml:"tasks,omitempty"`
	Resources []kube.ResourceRef `yaml:"resources,omitempty"`
}

// Trigger selects when a task's rollback action fires.
type Trigger string

const (
	// TriggerOnFailure fires only when the phase fails after the task
	// succeeded.
	TriggerOnFailure Trigger = "on-failure"
	// TriggerAlways fires after the phase regardless of outcome.
	TriggerAlways Trigger = "always"
)

// Rollback declares a compensating action for a task or bundle.
type Rollback struct {
	Enabled   bool       `yaml:"enabled"`
	Trigger   Trigger    `yaml:"trigger,omitempty"`
	Command   string     `yaml:"command,omitempty"`
	Manifests []Manifest `yaml:"manifests,omitempty"`
}

// Task is one atomic unit of hook work. Exactly one of Command, Manifests
// or Inline is set; Type reports which.
type Task struct {
	Name       string      `yaml:"name"`
	Command    string      `yaml:"command,omitempty"`
	Manifests  []Manifest  `yaml:"manifests,omitempty"`
	Inline     string      `yaml:"inline,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Validation *Validation `yaml:"validation,omitempty"`
	Needs      *Needs      `yaml:"needs,omitempty"`
	Rollback   *Rollback   `yaml:"rollback,omitempty"`
}

// Type returns the task variant.
func (t *Task) Type() TaskType {
	switch {
	case t.Command != "":
		return TaskTypeCommand
	case len(t.Manifests) > 0:
		return TaskTypeManifests
	default:
		return TaskTypeInline
	}
}

// PhaseHooks holds the ordered task lists around one stage.
type PhaseHooks struct {
	Pre       []Task `yaml:"pre,omitempty"`
	Post      []Task `yaml:"post,omitempty"`
	OnFailure []Task `yaml:"on_failure,omitempty"`
}

// Bundle is the full set of hooks attached to an app, plus the app-level
// validation and rollback that act as a final gate after the per-task ones.
type Bundle struct {
	Prepare PhaseHooks `yaml:"prepare,omitempty"`
	Build   PhaseHooks `yaml:"build,omitempty"`
	Deploy  PhaseHooks `yaml:"deploy,omitempty"`

	Validation *Validation `yaml:"validation,omitempty"`
	Rollback   *Rollback   `yaml:"rollback,omitempty"`
}

// Phase returns the ordered task list for the given stage and position.
func (b *Bundle) Phase(stage Stage, when When) []Task {
	var ph PhaseHooks
	switch stage {
	case StagePrepare:
		ph = b.Prepare
	case StageBuild:
		ph = b.Build
	case StageDeploy:
		ph = b.Deploy
	default:
		return nil
	}

	switch when {
	case WhenPre:
		return ph.Pre
	case WhenPost:
		return ph.Post
	case WhenOnFailure:
		return ph.OnFailure
	}
	return nil
}

// Empty reports whether the bundle declares no tasks at all.
func (b *Bundle) Empty() bool {
	if b == nil {
		return true
	}
	for _, ph := range []PhaseHooks{b.Prepare, b.Build, b.Deploy} {
		if len(ph.Pre)+len(ph.Post)+len(ph.OnFailure) > 0 {
			return false
		}
	}
	return b.Validation == nil && b.Rollback == nil
}

// ExecContext carries the app-scoped execution environment injected into
// every task.
type ExecContext struct {
	App       string
	Namespace string
	Release   string
	WorkDir   string

	// Env holds extra environment entries (e.g. from an env file) merged
	// under the injected APP_NAME/NAMESPACE/RELEASE_NAME variables.
	Env map[string]string
}

// Environment returns the full variable set injected into process-runner
// invocations for this context.
func (ec ExecContext) Environment() map[string]string {
	env := make(map[string]string, len(ec.Env)+3)
	for k, v := range ec.Env {
		env[k] = v
	}
	env["APP_NAME"] = ec.App
	env["NAMESPACE"] = ec.Namespace
	env["RELEASE_NAME"] = ec.Release
	return env
}
