package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/state"
)

// Options configures a deployment run.
type Options struct {
	// MaxParallel caps concurrent app deployments within a layer. Zero
	// means no cap beyond the layer size.
	MaxParallel int

	// ContinueOnError lets the current layer finish and later layers run
	// for apps whose dependencies all succeeded. By default the first
	// failure aborts all remaining work.
	ContinueOnError bool

	// DryRun resolves and reports the plan without executing stages or
	// recording state.
	DryRun bool

	// WorkDir is the working directory stages and hook tasks run in.
	WorkDir string

	// Env holds extra environment entries injected into every task and
	// stage invocation.
	Env map[string]string
}

// AppState is the terminal state of one app within a run.
type AppState string

const (
	AppSucceeded AppState = "succeeded"
	// AppFailed covers attempted apps that failed and apps never attempted
	// because a dependency of theirs failed.
	AppFailed AppState = "failed"
	// AppSkipped marks apps never attempted: the run was aborted first, or
	// it was a dry run.
	AppSkipped AppState = "skipped"
)

// AppResult is the outcome of one app.
type AppResult struct {
	App   *graph.App
	State AppState
	Err   error

	// Revision is the state record written for this attempt, zero when no
	// record was written (never-attempted apps, dry runs).
	Revision int

	Duration time.Duration
}

// Result is the outcome of a full deployment run.
type Result struct {
	// Apps maps app name to its outcome.
	Apps map[string]*AppResult

	// Layers mirrors the resolution's layer structure by app name.
	Layers [][]string
}

// Failed reports whether any app failed.
func (r *Result) Failed() bool {
	for _, app := range r.Apps {
		if app.State == AppFailed {
			return true
		}
	}
	return false
}

// Err returns the first failure in layer order, nil when the run succeeded.
func (r *Result) Err() error {
	for _, layer := range r.Layers {
		for _, name := range layer {
			if app := r.Apps[name]; app.State == AppFailed && app.Err != nil {
				return app.Err
			}
		}
	}
	return nil
}

// Orchestrator runs deployments over a resolved app graph.
type Orchestrator struct {
	registry *StageRegistry
	hooks    *hooks.Engine
	store    state.Store
	logger   *slog.Logger
	options  Options
}

// New creates an orchestrator.
func New(registry *StageRegistry, hookEngine *hooks.Engine, store state.Store, logger *slog.Logger, options Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		hooks:    hookEngine,
		store:    store,
		logger:   logger,
		options:  options,
	}
}

// Deploy runs every layer of the resolution in order. Apps within a layer
// run concurrently under the configured parallelism cap; a layer must fully
// settle before the next starts. An app whose dependency failed is marked
// failed without being attempted. The first failure aborts remaining layers
// unless ContinueOnError is set.
func (o *Orchestrator) Deploy(ctx context.Context, resolution *graph.Resolution) (*Result, error) {
	result := &Result{Apps: make(map[string]*AppResult)}
	for _, layer := range resolution.Layers {
		names := make([]string, len(layer))
		for i, app := range layer {
			names[i] = app.Name
		}
		result.Layers = append(result.Layers, names)
	}

	for _, warning := range resolution.Warnings {
		o.logger.Warn(warning)
	}

	if o.options.DryRun {
		for _, layer := range resolution.Layers {
			for _, app := range layer {
				result.Apps[app.Name] = &AppResult{App: app, State: AppSkipped}
			}
		}
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	aborted := false
	for i, layer := range resolution.Layers {
		if aborted {
			for _, app := range layer {
				result.Apps[app.Name] = &AppResult{
					App:   app,
					State: AppSkipped,
					Err:   fmt.Errorf("run aborted after earlier failure"),
				}
			}
			continue
		}

		o.logger.Info("starting layer", "layer", i, "apps", len(layer))
		o.runLayer(runCtx, cancel, layer, resolution, result)

		if !o.options.ContinueOnError {
			for _, app := range layer {
				if result.Apps[app.Name].State == AppFailed {
					aborted = true
					cancel()
					break
				}
			}
		}
	}

	return result, nil
}

// runLayer deploys the layer's apps concurrently and waits for all of them.
// Without ContinueOnError, a failing app cancels its still-running siblings.
func (o *Orchestrator) runLayer(ctx context.Context, cancel context.CancelFunc, layer []*graph.App, resolution *graph.Resolution, result *Result) {
	// Dependency outcomes are settled before any worker starts: layers
	// carry no edges between their own apps, so every result map access
	// here happens strictly before the workers' writes below.
	runnable := make([]*graph.App, 0, len(layer))
	for _, app := range layer {
		if err := o.unmetDependency(app, resolution, result); err != nil {
			result.Apps[app.Name] = &AppResult{App: app, State: AppFailed, Err: err}
			o.logger.Warn("not attempting app", "app", app.Name, "reason", err)
			continue
		}
		runnable = append(runnable, app)
	}
	if len(runnable) == 0 {
		return
	}

	bound := len(runnable)
	if o.options.MaxParallel > 0 && o.options.MaxParallel < bound {
		bound = o.options.MaxParallel
	}
	sem := make(chan struct{}, bound)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, app := range runnable {
		wg.Add(1)
		go func(app *graph.App) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ar := o.deployApp(ctx, app)
			if ar.State == AppFailed && !o.options.ContinueOnError {
				cancel()
			}

			mu.Lock()
			result.Apps[app.Name] = ar
			mu.Unlock()
		}(app)
	}

	wg.Wait()
}

// unmetDependency returns an error when one of the app's enabled
// dependencies did not succeed.
func (o *Orchestrator) unmetDependency(app *graph.App, resolution *graph.Resolution, result *Result) error {
	for _, dep := range resolution.Dependencies(app) {
		dr, ok := result.Apps[dep]
		if !ok || dr.State != AppSucceeded {
			return fmt.Errorf("dependency %q did not succeed", dep)
		}
	}
	return nil
}

// deployApp runs one app through its full lifecycle and records the outcome.
func (o *Orchestrator) deployApp(ctx context.Context, app *graph.App) *AppResult {
	start := time.Now()
	ar := &AppResult{App: app}

	ec := hooks.ExecContext{
		App:       app.Name,
		Namespace: app.Namespace,
		Release:   app.ReleaseName(),
		WorkDir:   o.options.WorkDir,
		Env:       o.options.Env,
	}

	record, err := o.store.Begin(ctx, app.Name, state.Meta{
		Namespace: app.Namespace,
		Kind:      string(app.Kind),
		Payload:   app.Payload,
	})
	if err != nil {
		ar.State = AppFailed
		ar.Err = fmt.Errorf("open deployment record: %w", err)
		ar.Duration = time.Since(start)
		return ar
	}
	ar.Revision = record.Revision

	runErr := o.runLifecycle(ctx, app, ec)

	status := state.StatusSucceeded
	summary := ""
	if runErr != nil {
		status = state.StatusFailed
		summary = runErr.Error()
		ar.State = AppFailed
		ar.Err = runErr
	} else {
		ar.State = AppSucceeded
	}

	// The record is closed even when the run context was cancelled mid
	// layer; a lost terminal status would corrupt the revision history.
	if err := o.store.Complete(context.WithoutCancel(ctx), app.Name, record.Revision, status, summary); err != nil {
		o.logger.Error("failed to close deployment record",
			"app", app.Name, "revision", record.Revision, "error", err)
		if ar.Err == nil {
			ar.State = AppFailed
			ar.Err = fmt.Errorf("close deployment record: %w", err)
		}
	}

	ar.Duration = time.Since(start)
	o.logger.Info("app finished", "app", app.Name, "state", string(ar.State), "duration", ar.Duration)
	return ar
}

// runLifecycle drives the app's stages with their surrounding hook phases.
// On failure the failing stage's on-failure hooks run, then the bundle-level
// rollback, and the first error is returned.
func (o *Orchestrator) runLifecycle(ctx context.Context, app *graph.App, ec hooks.ExecContext) error {
	if app.IsHookApp() {
		return o.runHookApp(ctx, app, ec)
	}

	executor, err := o.registry.Get(app.Kind)
	if err != nil {
		return errors.StageError(app.Name, "resolve-executor", err)
	}

	for _, stage := range stageOrder {
		if err := o.runStage(ctx, executor, stage, app, ec); err != nil {
			o.failureHooks(ctx, app, stage, ec)
			return err
		}
	}

	if err := o.hooks.ValidateBundle(ctx, app.Hooks, ec); err != nil {
		o.failureHooks(ctx, app, StageDeploy, ec)
		return errors.StageError(app.Name, string(StageDeploy), err)
	}

	return nil
}

// runStage executes one stage between its pre and post hook phases.
func (o *Orchestrator) runStage(ctx context.Context, executor StageExecutor, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	hs, hasHooks := hookStage[stage]

	if hasHooks {
		if phase := o.hooks.RunPhase(ctx, app.Hooks, hs, hooks.WhenPre, ec); phase.Failed() {
			return phase.Err
		}
	}

	o.logger.Debug("running stage", "app", app.Name, "stage", string(stage))
	if err := executor.Execute(ctx, stage, app, ec); err != nil {
		return errors.StageError(app.Name, string(stage), err)
	}

	if hasHooks {
		if phase := o.hooks.RunPhase(ctx, app.Hooks, hs, hooks.WhenPost, ec); phase.Failed() {
			return phase.Err
		}
	}

	return nil
}

// runHookApp runs a hook app: its task list is its whole lifecycle.
func (o *Orchestrator) runHookApp(ctx context.Context, app *graph.App, ec hooks.ExecContext) error {
	phase := o.hooks.RunTasks(ctx, app.Tasks, ec)
	for _, rbErr := range phase.RollbackErrs {
		o.logger.Error("rollback action failed", "app", app.Name, "error", rbErr)
	}
	return phase.Err
}

// failureHooks runs the on-failure phase of the failing stage and the
// bundle-level rollback. Their own failures are logged, never propagated;
// the original stage error stays the failure of record.
func (o *Orchestrator) failureHooks(ctx context.Context, app *graph.App, stage Stage, ec hooks.ExecContext) {
	if hs, ok := hookStage[stage]; ok {
		if phase := o.hooks.RunPhase(ctx, app.Hooks, hs, hooks.WhenOnFailure, ec); phase.Failed() {
			o.logger.Error("on-failure hook failed", "app", app.Name, "stage", string(stage), "error", phase.Err)
		}
	}

	for _, err := range o.hooks.RollbackBundle(ctx, app.Hooks, ec) {
		o.logger.Error("bundle rollback failed", "app", app.Name, "error", err)
	}
}

// Rollback re-deploys the app's most recent succeeded revision from its
// stored payload snapshot and records the attempt as a new revision.
func (o *Orchestrator) Rollback(ctx context.Context, appName string) (*state.Record, error) {
	previous, err := o.store.PreviousSucceeded(ctx, appName)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return nil, errors.NotFoundError("succeeded revision for app", appName)
	}

	app := &graph.App{
		Name:      appName,
		Kind:      graph.Kind(previous.Kind),
		Namespace: previous.Namespace,
		Enabled:   true,
		Payload:   previous.Payload,
	}

	ec := hooks.ExecContext{
		App:       app.Name,
		Namespace: app.Namespace,
		Release:   app.ReleaseName(),
		WorkDir:   o.options.WorkDir,
		Env:       o.options.Env,
	}

	record, err := o.store.Begin(ctx, appName, state.Meta{
		Namespace: previous.Namespace,
		Kind:      previous.Kind,
		Payload:   previous.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("open deployment record: %w", err)
	}

	o.logger.Info("rolling back", "app", appName,
		"to_revision", previous.Revision, "new_revision", record.Revision)

	executor, rbErr := o.registry.Get(app.Kind)
	if rbErr == nil {
		// Rollback replays prepare, build and deploy from the snapshot.
		// The template stage is skipped: the snapshot already deployed
		// once, rendering it again gains nothing.
		for _, stage := range []Stage{StagePrepare, StageBuild, StageDeploy} {
			if err := executor.Execute(ctx, stage, app, ec); err != nil {
				rbErr = errors.StageError(app.Name, string(stage), err)
				break
			}
		}
	}

	status := state.StatusRolledBack
	summary := fmt.Sprintf("rolled back to revision %d", previous.Revision)
	if rbErr != nil {
		status = state.StatusFailed
		summary = rbErr.Error()
	}
	if err := o.store.Complete(ctx, appName, record.Revision, status, summary); err != nil {
		o.logger.Error("failed to close deployment record",
			"app", appName, "revision", record.Revision, "error", err)
	}

	if rbErr != nil {
		return nil, rbErr
	}

	final, err := o.store.History(ctx, state.Filter{App: appName, Limit: 1})
	if err != nil || len(final) == 0 {
		return record, nil
	}
	return &final[0], nil
}
