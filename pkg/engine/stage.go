// Package engine drives deployments: it walks the resolved layers, runs
// each app's lifecycle stages through kind-specific executors, surrounds
// them with hook phases, and records outcomes in the state store.
package engine

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
)

// Stage is one step of an app's deployment lifecycle.
type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageBuild    Stage = "build"
	StageTemplate Stage = "template"
	StageDeploy   Stage = "deploy"
)

// stageOrder is the fixed lifecycle sequence every app runs through.
var stageOrder = []Stage{StagePrepare, StageBuild, StageTemplate, StageDeploy}

// hookStage maps a lifecycle stage to its hook phase. The template stage
// has no hooks; it is a pure rendering step.
var hookStage = map[Stage]hooks.Stage{
	StagePrepare: hooks.StagePrepare,
	StageBuild:   hooks.StageBuild,
	StageDeploy:  hooks.StageDeploy,
}

// StageExecutor implements the lifecycle stages for one app kind. Stages
// the kind has no work for must return nil.
type StageExecutor interface {
	Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error
}

// StageRegistry dispatches stage execution by app kind.
type StageRegistry struct {
	executors map[graph.Kind]StageExecutor
}

// NewStageRegistry creates an empty registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{executors: make(map[graph.Kind]StageExecutor)}
}

// Register binds an executor to a kind, replacing any previous binding.
func (r *StageRegistry) Register(kind graph.Kind, executor StageExecutor) {
	r.executors[kind] = executor
}

// Get returns the executor for the kind.
func (r *StageRegistry) Get(kind graph.Kind) (StageExecutor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no stage executor registered for kind %q", kind)
	}
	return executor, nil
}

// Kinds returns the registered kinds.
func (r *StageRegistry) Kinds() []graph.Kind {
	kinds := make([]graph.Kind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// decodePayload converts an app's opaque payload into the executor's typed
// configuration via a YAML round trip, so payload fields follow the same
// conventions as the rest of the document.
func decodePayload[T any](payload map[string]interface{}) (*T, error) {
	var out T
	if payload == nil {
		return &out, nil
	}
	data, err := yaml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}
