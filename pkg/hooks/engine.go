package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
	"github.com/flotilla-dev/flotilla/pkg/validate"
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateRunning    TaskState = "running"
	TaskStateValidating TaskState = "validating"
	TaskStateSucceeded  TaskState = "succeeded"
	TaskStateFailed     TaskState = "failed"
	TaskStateSkipped    TaskState = "skipped"
)

// TaskResult records the outcome of one task.
type TaskResult struct {
	Name      string
	State     TaskState
	Output    string
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// PhaseResult records the outcome of one hook phase.
type PhaseResult struct {
	Stage Stage
	When  When
	Tasks []TaskResult

	// Err is the first task failure, nil when the phase succeeded.
	Err error

	// RollbackAttempted is true when compensating actions were invoked.
	RollbackAttempted bool

	// RollbackErrs collects compensating-action failures. These never
	// replace Err.
	RollbackErrs []error
}

// Failed reports whether the phase failed.
func (r *PhaseResult) Failed() bool {
	return r.Err != nil
}

// Options configures the hook engine.
type Options struct {
	// AllowCommandTasks permits command and inline tasks. When false,
	// such tasks fail with a policy error instead of executing; intended
	// for untrusted configuration sources.
	AllowCommandTasks bool

	// PollInterval overrides the default validation poll interval.
	PollInterval time.Duration
}

// DefaultOptions returns engine options suitable for trusted configs.
func DefaultOptions() Options {
	return Options{AllowCommandTasks: true}
}

// Engine runs hook phases.
type Engine struct {
	runner    run.Runner
	apply     kube.ApplyClient
	validator *validate.Validator
	rollback  *Controller
	logger    *slog.Logger
	options   Options
}

// NewEngine creates a hook engine.
func NewEngine(runner run.Runner, apply kube.ApplyClient, status kube.StatusClient, logger *slog.Logger, options Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner:    runner,
		apply:     apply,
		validator: validate.New(status),
		rollback:  NewController(runner, apply, logger),
		logger:    logger,
		options:   options,
	}
}

// RunPhase runs the task list for one phase of the bundle.
func (e *Engine) RunPhase(ctx context.Context, bundle *Bundle, stage Stage, when When, ec ExecContext) *PhaseResult {
	if bundle == nil {
		return &PhaseResult{Stage: stage, When: when}
	}
	result := e.RunTasks(ctx, bundle.Phase(stage, when), ec)
	result.Stage = stage
	result.When = when
	return result
}

// RunTasks executes tasks sequentially in declared order. A later task never
// starts before the previous one succeeded. On the first failure the
// remaining tasks are skipped and completed rollback-eligible tasks are
// compensated in reverse completion order.
func (e *Engine) RunTasks(ctx context.Context, tasks []Task, ec ExecContext) *PhaseResult {
	result := &PhaseResult{}
	if len(tasks) == 0 {
		return result
	}

	succeeded := make(map[string]bool, len(tasks))
	var completed []Task // successful tasks, in completion order

	failedAt := -1
	for i := range tasks {
		task := &tasks[i]

		if err := ctx.Err(); err != nil {
			result.Err = err
			failedAt = i
			break
		}

		tr := e.runTask(ctx, task, succeeded, ec)
		result.Tasks = append(result.Tasks, tr)

		if tr.State == TaskStateSucceeded {
			succeeded[task.Name] = true
			completed = append(completed, *task)
			continue
		}

		result.Err = errors.TaskError(ec.App, task.Name, tr.Err)
		failedAt = i
		break
	}

	if failedAt >= 0 {
		for i := failedAt + 1; i < len(tasks); i++ {
			result.Tasks = append(result.Tasks, TaskResult{
				Name:  tasks[i].Name,
				State: TaskStateSkipped,
			})
		}
	}

	actions := rollbackActions(completed, result.Failed())
	if len(actions) > 0 {
		result.RollbackAttempted = true
		result.RollbackErrs = e.rollback.Compensate(ctx, actions, ec)
	}

	return result
}

// rollbackActions selects the compensating actions to run, in reverse
// completion order. On failure both on-failure and always triggers fire;
// on success only always triggers fire.
func rollbackActions(completed []Task, failed bool) []Action {
	var actions []Action
	for i := len(completed) - 1; i >= 0; i-- {
		task := completed[i]
		rb := task.Rollback
		if rb == nil || !rb.Enabled {
			continue
		}
		trigger := rb.Trigger
		if trigger == "" {
			trigger = TriggerOnFailure
		}
		if trigger == TriggerOnFailure && !failed {
			continue
		}
		actions = append(actions, Action{
			Name:      task.Name,
			Command:   rb.Command,
			Manifests: rb.Manifests,
		})
	}
	return actions
}

// runTask drives one task through its state machine.
func (e *Engine) runTask(ctx context.Context, task *Task, succeeded map[string]bool, ec ExecContext) TaskResult {
	tr := TaskResult{
		Name:      task.Name,
		State:     TaskStatePending,
		StartedAt: time.Now(),
	}

	if err := e.checkNeeds(ctx, task, succeeded); err != nil {
		tr.State = TaskStateFailed
		tr.Err = err
		tr.EndedAt = time.Now()
		return tr
	}

	tr.State = TaskStateRunning
	e.logger.Debug("running hook task", "app", ec.App, "task", task.Name, "type", string(task.Type()))

	output, err := e.execute(ctx, task, ec)
	tr.Output = output
	if err != nil {
		tr.State = TaskStateFailed
		tr.Err = err
		tr.EndedAt = time.Now()
		return tr
	}

	if task.Validation != nil && task.Validation.WaitForReady {
		tr.State = TaskStateValidating
		if err := e.Validate(ctx, task.Validation, ec); err != nil {
			tr.State = TaskStateFailed
			tr.Err = err
			tr.EndedAt = time.Now()
			return tr
		}
	}

	tr.State = TaskStateSucceeded
	tr.EndedAt = time.Now()
	return tr
}

// checkNeeds enforces the task's additional gates: named tasks in the same
// bundle must already have succeeded, and named resources must be ready.
func (e *Engine) checkNeeds(ctx context.Context, task *Task, succeeded map[string]bool) error {
	if task.Needs == nil {
		return nil
	}

	for _, name := range task.Needs.Tasks {
		if !succeeded[name] {
			return fmt.Errorf("required task %q did not succeed", name)
		}
	}

	for _, ref := range task.Needs.Resources {
		if err := e.validator.PollUntilReady(ctx, ref, e.options.PollInterval, 0); err != nil {
			return fmt.Errorf("required resource not ready: %w", err)
		}
	}

	return nil
}

// execute dispatches on the task variant.
func (e *Engine) execute(ctx context.Context, task *Task, ec ExecContext) (string, error) {
	switch task.Type() {
	case TaskTypeCommand:
		return e.executeCommand(ctx, task, ec)
	case TaskTypeManifests:
		return "", e.executeManifests(ctx, task.Manifests, ec)
	case TaskTypeInline:
		return "", e.executeInline(ctx, task, ec)
	}
	return "", fmt.Errorf("task %q declares no action", task.Name)
}

func (e *Engine) executeCommand(ctx context.Context, task *Task, ec ExecContext) (string, error) {
	if !e.options.AllowCommandTasks {
		return "", errors.New(errors.ErrCodePolicy, "command tasks are disabled for this configuration source")
	}

	result, err := e.runner.Run(ctx, run.Cmd{
		Script:  task.Command,
		Dir:     ec.WorkDir,
		Env:     ec.Environment(),
		Timeout: task.Timeout,
	})

	var output string
	if result != nil {
		output = strings.TrimSpace(result.Stdout)
		if err != nil && result.Stderr != "" {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(result.Stderr))
		}
	}
	return output, err
}

func (e *Engine) executeManifests(ctx context.Context, manifests []Manifest, ec ExecContext) error {
	for _, m := range manifests {
		action := m.Action
		if action == "" {
			action = ManifestApply
		}

		var err error
		switch action {
		case ManifestApply:
			err = e.apply.Apply(ctx, m.Path, ec.Namespace)
		case ManifestDelete:
			err = e.apply.Delete(ctx, m.Path, ec.Namespace)
		default:
			err = fmt.Errorf("unknown manifest action %q", action)
		}
		if err != nil {
			return fmt.Errorf("manifest %s: %w", m.Path, err)
		}
	}
	return nil
}

// executeInline materializes the literal document to a temp file and applies
// it like a manifests task. Inline tasks fall under the same trust policy as
// command tasks since they inject arbitrary resources.
func (e *Engine) executeInline(ctx context.Context, task *Task, ec ExecContext) error {
	if !e.options.AllowCommandTasks {
		return errors.New(errors.ErrCodePolicy, "inline tasks are disabled for this configuration source")
	}

	// Reject documents that are not valid YAML before touching the cluster.
	var doc interface{}
	if err := yaml.Unmarshal([]byte(task.Inline), &doc); err != nil {
		return fmt.Errorf("inline document is not valid YAML: %w", err)
	}

	f, err := os.CreateTemp("", "flotilla-inline-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to materialize inline document: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(task.Inline); err != nil {
		f.Close()
		return fmt.Errorf("failed to write inline document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write inline document: %w", err)
	}

	return e.executeManifests(ctx, []Manifest{{Path: path, Action: ManifestApply}}, ec)
}

// Validate runs a single validation gate.
func (e *Engine) Validate(ctx context.Context, v *Validation, ec ExecContext) error {
	ref := v.Resource
	if ref.Namespace == "" {
		ref.Namespace = ec.Namespace
	}

	interval := v.Interval
	if interval <= 0 {
		interval = e.options.PollInterval
	}

	return e.validator.PollUntilReady(ctx, ref, interval, v.Timeout)
}

// ValidateBundle runs the bundle-level validation gate, if declared. It
// applies after all tasks of the deploy phase finish and acts independently
// of any per-task validation.
func (e *Engine) ValidateBundle(ctx context.Context, bundle *Bundle, ec ExecContext) error {
	if bundle == nil || bundle.Validation == nil || !bundle.Validation.WaitForReady {
		return nil
	}
	return e.Validate(ctx, bundle.Validation, ec)
}

// RollbackBundle runs the bundle-level compensating action, if declared.
// It is a final fallback invoked on app failure, independent of any
// per-task rollback already executed.
func (e *Engine) RollbackBundle(ctx context.Context, bundle *Bundle, ec ExecContext) []error {
	if bundle == nil || bundle.Rollback == nil || !bundle.Rollback.Enabled {
		return nil
	}
	action := Action{
		Name:      "bundle",
		Command:   bundle.Rollback.Command,
		Manifests: bundle.Rollback.Manifests,
	}
	return e.rollback.Compensate(ctx, []Action{action}, ec)
}
