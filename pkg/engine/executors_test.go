package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
)

// argvRunner records every argument vector it is asked to run.
type argvRunner struct {
	argv [][]string
}

func (r *argvRunner) Run(ctx context.Context, cmd run.Cmd) (*run.Result, error) {
	args := cmd.Argv
	if len(args) == 0 {
		args = []string{"sh", "-c", cmd.Script}
	}
	r.argv = append(r.argv, args)
	return &run.Result{}, nil
}

var execCtx = hooks.ExecContext{App: "api", Namespace: "prod", Release: "api"}

func TestHelmExecutorDeploy(t *testing.T) {
	runner := &argvRunner{}
	executor := NewHelmExecutor(runner, nil)

	app := &graph.App{
		Name: "api",
		Kind: graph.KindHelm,
		Payload: map[string]interface{}{
			"chart":   "bitnami/nginx",
			"version": "15.1.0",
			"values":  []string{"values.yaml"},
			"set":     map[string]string{"replicaCount": "2", "image.tag": "v3"},
			"wait":    true,
			"timeout": "5m",
		},
	}

	if err := executor.Execute(context.Background(), StageDeploy, app, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	expected := []string{
		"helm", "upgrade", "--install", "api", "bitnami/nginx",
		"--namespace", "prod", "--version", "15.1.0",
		"-f", "values.yaml",
		"--set", "image.tag=v3", "--set", "replicaCount=2",
		"--wait", "--timeout", "5m",
	}
	if !reflect.DeepEqual(runner.argv[0], expected) {
		t.Errorf("argv:\n got %v\nwant %v", runner.argv[0], expected)
	}
}

func TestHelmExecutorPrepare(t *testing.T) {
	runner := &argvRunner{}
	executor := NewHelmExecutor(runner, nil)

	app := &graph.App{
		Name: "api",
		Kind: graph.KindHelm,
		Payload: map[string]interface{}{
			"chart": "bitnami/nginx",
			"repo":  map[string]string{"name": "bitnami", "url": "https://charts.bitnami.com/bitnami"},
		},
	}

	if err := executor.Execute(context.Background(), StagePrepare, app, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	expected := []string{"helm", "repo", "add", "--force-update", "bitnami", "https://charts.bitnami.com/bitnami"}
	if !reflect.DeepEqual(runner.argv[0], expected) {
		t.Errorf("argv: got %v, want %v", runner.argv[0], expected)
	}
}

func TestHelmExecutorBuildOnlyForLocalCharts(t *testing.T) {
	runner := &argvRunner{}
	executor := NewHelmExecutor(runner, nil)

	remote := &graph.App{Name: "api", Kind: graph.KindHelm, Payload: map[string]interface{}{"chart": "bitnami/nginx"}}
	if err := executor.Execute(context.Background(), StageBuild, remote, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(runner.argv) != 0 {
		t.Errorf("remote chart triggered a build: %v", runner.argv)
	}

	local := &graph.App{Name: "api", Kind: graph.KindHelm, Payload: map[string]interface{}{"chart": "./charts/api"}}
	if err := executor.Execute(context.Background(), StageBuild, local, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	expected := []string{"helm", "dependency", "update", "./charts/api"}
	if !reflect.DeepEqual(runner.argv[0], expected) {
		t.Errorf("argv: got %v, want %v", runner.argv[0], expected)
	}
}

func TestHelmExecutorRequiresChart(t *testing.T) {
	executor := NewHelmExecutor(&argvRunner{}, nil)
	app := &graph.App{Name: "api", Kind: graph.KindHelm}

	err := executor.Execute(context.Background(), StageDeploy, app, execCtx)
	if err == nil || !strings.Contains(err.Error(), "no chart") {
		t.Fatalf("expected missing chart error, got %v", err)
	}
}

func TestManifestsExecutorDeploy(t *testing.T) {
	apply := kube.NewFakeApplyClient()
	executor := NewManifestsExecutor(apply, nil)

	app := &graph.App{
		Name: "api",
		Kind: graph.KindManifests,
		Payload: map[string]interface{}{
			"paths": []string{"deploy/a.yaml", "deploy/b.yaml"},
		},
	}

	if err := executor.Execute(context.Background(), StageDeploy, app, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(apply.Applied, []string{"deploy/a.yaml", "deploy/b.yaml"}) {
		t.Errorf("applied: got %v", apply.Applied)
	}
}

func TestManifestsExecutorTemplateChecksFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.yaml")
	if err := os.WriteFile(present, []byte("kind: ConfigMap"), 0o644); err != nil {
		t.Fatal(err)
	}

	executor := NewManifestsExecutor(kube.NewFakeApplyClient(), nil)

	ok := &graph.App{Name: "api", Kind: graph.KindManifests, Payload: map[string]interface{}{"paths": []string{present}}}
	if err := executor.Execute(context.Background(), StageTemplate, ok, execCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	missing := &graph.App{Name: "api", Kind: graph.KindManifests, Payload: map[string]interface{}{"paths": []string{filepath.Join(dir, "ghost.yaml")}}}
	if err := executor.Execute(context.Background(), StageTemplate, missing, execCtx); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestScriptExecutor(t *testing.T) {
	runner := &argvRunner{}
	executor := NewScriptExecutor(runner, nil)

	app := &graph.App{
		Name: "batch",
		Kind: graph.KindScript,
		Payload: map[string]interface{}{
			"script": "kubectl apply -k overlays/prod",
			"build":  "make manifests",
		},
	}

	if err := executor.Execute(context.Background(), StageBuild, app, execCtx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := executor.Execute(context.Background(), StageDeploy, app, execCtx); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if len(runner.argv) != 2 {
		t.Fatalf("expected two invocations, got %v", runner.argv)
	}
	if runner.argv[0][2] != "make manifests" {
		t.Errorf("build script: got %v", runner.argv[0])
	}
	if runner.argv[1][2] != "kubectl apply -k overlays/prod" {
		t.Errorf("deploy script: got %v", runner.argv[1])
	}
}

func TestExecExecutorOnlyDeploys(t *testing.T) {
	runner := &argvRunner{}
	executor := NewExecExecutor(runner, nil)

	app := &graph.App{
		Name:    "once",
		Kind:    graph.KindExec,
		Payload: map[string]interface{}{"command": []string{"kubectl", "rollout", "restart", "deploy/api"}},
	}

	for _, stage := range []Stage{StagePrepare, StageBuild, StageTemplate} {
		if err := executor.Execute(context.Background(), stage, app, execCtx); err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
	}
	if len(runner.argv) != 0 {
		t.Errorf("exec ran outside deploy: %v", runner.argv)
	}

	if err := executor.Execute(context.Background(), StageDeploy, app, execCtx); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	expected := []string{"kubectl", "rollout", "restart", "deploy/api"}
	if !reflect.DeepEqual(runner.argv[0], expected) {
		t.Errorf("argv: got %v, want %v", runner.argv[0], expected)
	}
}

func TestDecodePayload(t *testing.T) {
	payload := map[string]interface{}{
		"chart":   "bitnami/redis",
		"wait":    true,
		"values":  []interface{}{"a.yaml", "b.yaml"},
		"unknown": "ignored",
	}

	decoded, err := decodePayload[HelmPayload](payload)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if decoded.Chart != "bitnami/redis" || !decoded.Wait {
		t.Errorf("decoded: %+v", decoded)
	}
	if !reflect.DeepEqual(decoded.Values, []string{"a.yaml", "b.yaml"}) {
		t.Errorf("values: got %v", decoded.Values)
	}

	empty, err := decodePayload[HelmPayload](nil)
	if err != nil {
		t.Fatalf("decodePayload(nil): %v", err)
	}
	if empty.Chart != "" {
		t.Errorf("empty payload: %+v", empty)
	}
}
