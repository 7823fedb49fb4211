// Package run executes shell commands for hook tasks and stage executors.
package run

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Cmd describes a single command invocation.
type Cmd struct {
	// Script is a shell command line executed via "sh -c". Ignored when
	// Argv is set.
	Script string

	// Argv is an explicit argument vector. Takes precedence over Script.
	Argv []string

	// Dir is the working directory. Empty means the orchestrator's
	// working directory.
	Dir string

	// Env contains environment variables injected on top of the parent
	// process environment.
	Env map[string]string

	// Timeout bounds execution time. Zero means no timeout; the command
	// runs to completion unless the context is cancelled.
	Timeout time.Duration
}

// Result captures the outcome of a command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// Local runs commands as child processes of the orchestrator.
type Local struct{}

// NewLocal creates a local command runner.
func NewLocal() *Local {
	return &Local{}
}

// Run executes the command, capturing stdout and stderr. A non-zero exit
// status is returned as an error alongside the captured result. Cancelling
// the context kills the underlying process.
func (l *Local) Run(ctx context.Context, cmd Cmd) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var c *exec.Cmd
	switch {
	case len(cmd.Argv) > 0:
		c = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	case cmd.Script != "":
		c = exec.CommandContext(ctx, "sh", "-c", cmd.Script)
	default:
		return nil, fmt.Errorf("command is required")
	}

	c.Dir = cmd.Dir

	env := os.Environ()
	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	c.Env = env

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		// Report context expiry over the generic exec error so callers can
		// distinguish timeouts from command failures.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command terminated: %w", ctxErr)
		}
		return result, fmt.Errorf("command exited with status %d: %w", result.ExitCode, err)
	}

	return result, nil
}
