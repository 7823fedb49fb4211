// Package config loads the flotilla configuration document and turns it
// into the app list the engine consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
)

// Document is the top-level configuration file.
type Document struct {
	// Namespace is the default target namespace for apps that don't
	// declare their own.
	Namespace string `yaml:"namespace,omitempty"`

	// EnvFile names a dotenv file whose entries are injected into every
	// hook task environment. Relative to the config file.
	EnvFile string `yaml:"env_file,omitempty"`

	Apps []AppSpec `yaml:"apps"`
}

// AppSpec is one app declaration.
type AppSpec struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"`
	Namespace string   `yaml:"namespace,omitempty"`
	Release   string   `yaml:"release,omitempty"`
	Enabled   *bool    `yaml:"enabled,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`

	Hooks *BundleSpec `yaml:"hooks,omitempty"`
	Tasks []TaskSpec  `yaml:"tasks,omitempty"`

	// Spec carries the kind-specific payload, opaque to the core.
	Spec map[string]interface{} `yaml:"spec,omitempty"`
}

// BundleSpec mirrors hooks.Bundle with config-friendly field types.
type BundleSpec struct {
	Prepare PhaseSpec `yaml:"prepare,omitempty"`
	Build   PhaseSpec `yaml:"build,omitempty"`
	Deploy  PhaseSpec `yaml:"deploy,omitempty"`

	Validation *ValidationSpec `yaml:"validation,omitempty"`
	Rollback   *RollbackSpec   `yaml:"rollback,omitempty"`
}

// PhaseSpec holds the task lists around one stage.
type PhaseSpec struct {
	Pre       []TaskSpec `yaml:"pre,omitempty"`
	Post      []TaskSpec `yaml:"post,omitempty"`
	OnFailure []TaskSpec `yaml:"on_failure,omitempty"`
}

// TaskSpec is one task declaration.
type TaskSpec struct {
	Name      string         `yaml:"name"`
	Command   string         `yaml:"command,omitempty"`
	Manifests []ManifestSpec `yaml:"manifests,omitempty"`
	Inline    string         `yaml:"inline,omitempty"`
	Timeout   string         `yaml:"timeout,omitempty"`

	Validation *ValidationSpec `yaml:"validation,omitempty"`
	Needs      *NeedsSpec      `yaml:"needs,omitempty"`
	Rollback   *RollbackSpec   `yaml:"rollback,omitempty"`
}

// ManifestSpec is one manifest entry of a manifests task.
type ManifestSpec struct {
	Path   string `yaml:"path"`
	Action string `yaml:"action,omitempty"`
}

// ValidationSpec declares a readiness gate.
type ValidationSpec struct {
	Resource     kube.ResourceRef `yaml:"resource"`
	WaitForReady *bool            `yaml:"wait_for_ready,omitempty"`
	Interval     string           `yaml:"interval,omitempty"`
	Timeout      string           `yaml:"timeout,omitempty"`
}

// NeedsSpec declares additional task gates.
type NeedsSpec struct {
	Tasks     []string           `yaml:"tasks,omitempty"`
	Resources []kube.ResourceRef `yaml:"resources,omitempty"`
}

// RollbackSpec declares a compensating action.
type RollbackSpec struct {
	Enabled   *bool          `yaml:"enabled,omitempty"`
	Trigger   string         `yaml:"trigger,omitempty"`
	Command   string         `yaml:"command,omitempty"`
	Manifests []ManifestSpec `yaml:"manifests,omitempty"`
}

// Result is the loaded configuration.
type Result struct {
	Apps []graph.App

	// Env holds the entries of the document's env_file, if any.
	Env map[string]string
}

// Load reads, validates and converts the configuration file at path.
func Load(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ParseError(path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.ParseError(path, err)
	}

	result := &Result{}

	if doc.EnvFile != "" {
		envPath := doc.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		env, err := godotenv.Read(envPath)
		if err != nil {
			return nil, errors.ParseError(envPath, err)
		}
		result.Env = env
	}

	if len(doc.Apps) == 0 {
		return nil, errors.ValidationError("configuration declares no apps", map[string]interface{}{"file": path})
	}

	for i, spec := range doc.Apps {
		app, err := convertApp(spec, doc.Namespace)
		if err != nil {
			return nil, fmt.Errorf("app %d (%s): %w", i, spec.Name, err)
		}
		result.Apps = append(result.Apps, *app)
	}

	return result, nil
}

func convertApp(spec AppSpec, defaultNamespace string) (*graph.App, error) {
	if spec.Name == "" {
		return nil, errors.ValidationError("app name is required", nil)
	}

	kind := graph.Kind(spec.Kind)
	switch kind {
	case graph.KindHelm, graph.KindManifests, graph.KindGit, graph.KindScript,
		graph.KindExec, graph.KindHook, graph.KindNoop:
	case "":
		return nil, errors.ValidationError("app kind is required", nil)
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown app kind %q", spec.Kind), nil)
	}

	if kind != graph.KindHook && len(spec.Tasks) > 0 {
		return nil, errors.ValidationError("only hook apps may declare a top-level task list", nil)
	}
	if kind == graph.KindHook && spec.Hooks != nil {
		return nil, errors.ValidationError("hook apps declare tasks directly, not a hooks bundle", nil)
	}

	app := &graph.App{
		Name:      spec.Name,
		Kind:      kind,
		Namespace: spec.Namespace,
		Release:   spec.Release,
		Enabled:   spec.Enabled == nil || *spec.Enabled,
		DependsOn: spec.DependsOn,
		Payload:   spec.Spec,
	}
	if app.Namespace == "" {
		app.Namespace = defaultNamespace
	}

	if spec.Hooks != nil {
		bundle, err := convertBundle(spec.Hooks)
		if err != nil {
			return nil, err
		}
		app.Hooks = bundle
	}

	if len(spec.Tasks) > 0 {
		tasks, err := convertTasks(spec.Tasks)
		if err != nil {
			return nil, err
		}
		app.Tasks = tasks
	}

	return app, nil
}

func convertBundle(spec *BundleSpec) (*hooks.Bundle, error) {
	bundle := &hooks.Bundle{}

	phases := []struct {
		src PhaseSpec
		dst *hooks.PhaseHooks
	}{
		{spec.Prepare, &bundle.Prepare},
		{spec.Build, &bundle.Build},
		{spec.Deploy, &bundle.Deploy},
	}
	for _, p := range phases {
		var err error
		if p.dst.Pre, err = convertTasks(p.src.Pre); err != nil {
			return nil, err
		}
		if p.dst.Post, err = convertTasks(p.src.Post); err != nil {
			return nil, err
		}
		if p.dst.OnFailure, err = convertTasks(p.src.OnFailure); err != nil {
			return nil, err
		}
	}

	var err error
	if bundle.Validation, err = convertValidation(spec.Validation); err != nil {
		return nil, err
	}
	if bundle.Rollback, err = convertRollback(spec.Rollback); err != nil {
		return nil, err
	}

	return bundle, nil
}

func convertTasks(specs []TaskSpec) ([]hooks.Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(specs))
	tasks := make([]hooks.Task, 0, len(specs))

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.ValidationError("task name is required", nil)
		}
		if seen[spec.Name] {
			return nil, errors.ValidationError(fmt.Sprintf("task %q is declared more than once", spec.Name), nil)
		}

		declared := 0
		if spec.Command != "" {
			declared++
		}
		if len(spec.Manifests) > 0 {
			declared++
		}
		if spec.Inline != "" {
			declared++
		}
		if declared != 1 {
			return nil, errors.ValidationError(
				fmt.Sprintf("task %q must declare exactly one of command, manifests or inline", spec.Name), nil)
		}

		task := hooks.Task{
			Name:    spec.Name,
			Command: spec.Command,
			Inline:  spec.Inline,
		}

		var err error
		if task.Timeout, err = parseDuration(spec.Timeout); err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}
		if task.Manifests, err = convertManifests(spec.Manifests); err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}
		if task.Validation, err = convertValidation(spec.Validation); err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}
		if task.Rollback, err = convertRollback(spec.Rollback); err != nil {
			return nil, fmt.Errorf("task %q: %w", spec.Name, err)
		}

		if spec.Needs != nil {
			// Task gates are scoped to the same bundle, and only earlier
			// tasks can have succeeded by the time this one runs.
			for _, name := range spec.Needs.Tasks {
				if !seen[name] {
					return nil, &errors.InvalidReferenceError{
						Referrer: spec.Name,
						Target:   name,
						Field:    "needs",
					}
				}
			}
			task.Needs = &hooks.Needs{
				Tasks:     spec.Needs.Tasks,
				Resources: spec.Needs.Resources,
			}
		}

		seen[spec.Name] = true
		tasks = append(tasks, task)
	}

	return tasks, nil
}

func convertManifests(specs []ManifestSpec) ([]hooks.Manifest, error) {
	var manifests []hooks.Manifest
	for _, spec := range specs {
		if spec.Path == "" {
			return nil, errors.ValidationError("manifest path is required", nil)
		}
		action := hooks.ManifestAction(spec.Action)
		switch action {
		case "", hooks.ManifestApply, hooks.ManifestDelete:
		default:
			return nil, errors.ValidationError(fmt.Sprintf("unknown manifest action %q", spec.Action), nil)
		}
		manifests = append(manifests, hooks.Manifest{Path: spec.Path, Action: action})
	}
	return manifests, nil
}

func convertValidation(spec *ValidationSpec) (*hooks.Validation, error) {
	if spec == nil {
		return nil, nil
	}
	if spec.Resource.Kind == "" || spec.Resource.Name == "" {
		return nil, errors.ValidationError("validation resource requires kind and name", nil)
	}

	v := &hooks.Validation{
		Resource: spec.Resource,
		// Declaring a validation implies waiting unless explicitly
		// disabled.
		WaitForReady: spec.WaitForReady == nil || *spec.WaitForReady,
	}

	var err error
	if v.Interval, err = parseDuration(spec.Interval); err != nil {
		return nil, err
	}
	if v.Timeout, err = parseDuration(spec.Timeout); err != nil {
		return nil, err
	}
	return v, nil
}

func convertRollback(spec *RollbackSpec) (*hooks.Rollback, error) {
	if spec == nil {
		return nil, nil
	}

	trigger := hooks.Trigger(spec.Trigger)
	switch trigger {
	case "", hooks.TriggerOnFailure, hooks.TriggerAlways:
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown rollback trigger %q", spec.Trigger), nil)
	}

	if spec.Command != "" && len(spec.Manifests) > 0 {
		return nil, errors.ValidationError("rollback declares both command and manifests", nil)
	}

	manifests, err := convertManifests(spec.Manifests)
	if err != nil {
		return nil, err
	}

	return &hooks.Rollback{
		Enabled:   spec.Enabled == nil || *spec.Enabled,
		Trigger:   trigger,
		Command:   spec.Command,
		Manifests: manifests,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.ValidationError(fmt.Sprintf("invalid duration %q", s), nil)
	}
	if d < 0 {
		return 0, errors.ValidationError(fmt.Sprintf("negative duration %q", s), nil)
	}
	return d, nil
}
