package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
)

// GitPayload is the kind-specific configuration of a git app: a repository
// that holds either a helm chart or a directory of raw manifests.
type GitPayload struct {
	URL string `yaml:"url"`

	// Ref is a branch, tag or commit to check out. Empty means the remote
	// default branch.
	Ref string `yaml:"ref,omitempty"`

	// Path selects a subdirectory of the clone. Empty means the root.
	Path string `yaml:"path,omitempty"`

	// Chart marks the path as a helm chart. Otherwise its manifests are
	// applied directly.
	Chart bool `yaml:"chart,omitempty"`

	// Values and Set pass through to helm when Chart is set.
	Values []string          `yaml:"values,omitempty"`
	Set    map[string]string `yaml:"set,omitempty"`
}

// GitExecutor deploys apps sourced from a git repository. The prepare stage
// clones the repository; later stages delegate to the helm executor or the
// cluster client depending on the payload.
type GitExecutor struct {
	helm   *HelmExecutor
	apply  kube.ApplyClient
	logger *slog.Logger

	// workRoot is where clones are materialized, one directory per app.
	workRoot string
}

// NewGitExecutor creates a git stage executor. Clones live under workRoot.
func NewGitExecutor(helm *HelmExecutor, apply kube.ApplyClient, workRoot string, logger *slog.Logger) *GitExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if workRoot == "" {
		workRoot = filepath.Join(os.TempDir(), "flotilla-git")
	}
	return &GitExecutor{helm: helm, apply: apply, workRoot: workRoot, logger: logger}
}

func (e *GitExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	payload, err := decodePayload[GitPayload](app.Payload)
	if err != nil {
		return err
	}
	if payload.URL == "" {
		return fmt.Errorf("git app %q declares no repository url", app.Name)
	}

	cloneDir := filepath.Join(e.workRoot, app.Name)
	sourceDir := filepath.Join(cloneDir, filepath.FromSlash(payload.Path))

	switch stage {
	case StagePrepare:
		return e.clone(ctx, payload, cloneDir, ec)

	case StageBuild, StageTemplate, StageDeploy:
		if _, err := os.Stat(sourceDir); err != nil {
			return fmt.Errorf("clone of %q not prepared: %w", app.Name, err)
		}
		if payload.Chart {
			return e.helm.Execute(ctx, stage, chartApp(app, sourceDir, payload), ec)
		}
		if stage != StageDeploy {
			return nil
		}
		e.logger.Debug("applying cloned manifests", "app", ec.App, "dir", sourceDir)
		return e.apply.Apply(ctx, sourceDir, ec.Namespace)
	}
	return nil
}

// clone materializes a fresh clone of the repository at the requested ref.
// Any previous clone is discarded so every deployment starts from a clean
// checkout.
func (e *GitExecutor) clone(ctx context.Context, payload *GitPayload, dir string, ec hooks.ExecContext) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean clone dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create clone dir: %w", err)
	}

	e.logger.Info("cloning repository", "app", ec.App, "url", payload.URL, "ref", payload.Ref)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: payload.URL,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", payload.URL, err)
	}

	if payload.Ref == "" {
		return nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(payload.Ref))
	if err != nil {
		return fmt.Errorf("resolve ref %q: %w", payload.Ref, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		return fmt.Errorf("checkout %q: %w", payload.Ref, err)
	}
	return nil
}

// chartApp rebuilds the app with a helm payload pointing at the cloned
// chart directory.
func chartApp(app *graph.App, chartDir string, payload *GitPayload) *graph.App {
	clone := *app
	clone.Payload = map[string]interface{}{
		"chart":  chartDir,
		"values": payload.Values,
		"set":    payload.Set,
	}
	return &clone
}
