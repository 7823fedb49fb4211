package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
)

// Action is one compensating action: a command or a manifest list run once,
// without validation and without nested rollback.
type Action struct {
	// Name identifies the task (or "bundle") the action compensates for.
	Name      string
	Command   string
	Manifests []Manifest
}

// Controller runs compensating actions best-effort: every action is
// attempted exactly once, failures are collected and reported but never
// stop the remaining actions and never mask the failure that triggered
// the rollback.
type Controller struct {
	runner run.Runner
	apply  kube.ApplyClient
	logger *slog.Logger
}

// NewController creates a rollback controller.
func NewController(runner run.Runner, apply kube.ApplyClient, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		runner: runner,
		apply:  apply,
		logger: logger,
	}
}

// Compensate runs the given actions in order, collecting failures.
func (c *Controller) Compensate(ctx context.Context, actions []Action, ec ExecContext) []error {
	var errs []error
	for _, action := range actions {
		c.logger.Info("running rollback action", "app", ec.App, "task", action.Name)
		if err := c.compensateOne(ctx, action, ec); err != nil {
			c.logger.Warn("rollback action failed", "app", ec.App, "task", action.Name, "error", err)
			errs = append(errs, errors.Wrap(errors.ErrCodeRollbackAction,
				fmt.Sprintf("rollback of task %q failed", action.Name), err))
		}
	}
	return errs
}

func (c *Controller) compensateOne(ctx context.Context, action Action, ec ExecContext) error {
	if action.Command != "" {
		_, err := c.runner.Run(ctx, run.Cmd{
			Script: action.Command,
			Dir:    ec.WorkDir,
			Env:    ec.Environment(),
		})
		return err
	}

	for _, m := range action.Manifests {
		act := m.Action
		if act == "" {
			// Compensating manifests default to delete, undoing what the
			// task applied.
			act = ManifestDelete
		}

		var err error
		switch act {
		case ManifestApply:
			err = c.apply.Apply(ctx, m.Path, ec.Namespace)
		case ManifestDelete:
			err = c.apply.Delete(ctx, m.Path, ec.Namespace)
		default:
			err = fmt.Errorf("unknown manifest action %q", act)
		}
		if err != nil {
			return fmt.Errorf("manifest %s: %w", m.Path, err)
		}
	}
	return nil
}
