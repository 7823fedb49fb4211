package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/errors"
	"github.com/flotilla-dev/flotilla/pkg/graph"
	"github.com/flotilla-dev/flotilla/pkg/hooks"
	"github.com/flotilla-dev/flotilla/pkg/kube"
	"github.com/flotilla-dev/flotilla/pkg/run"
	"github.com/flotilla-dev/flotilla/pkg/state"
)

// recorder collects ordered events from fakes sharing a test.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

func (r *recorder) index(event string) int {
	for i, e := range r.all() {
		if e == event {
			return i
		}
	}
	return -1
}

// fakeExecutor records stage calls and fails the configured ones.
type fakeExecutor struct {
	rec  *recorder
	fail map[string]error // "app/stage" -> error
}

func (f *fakeExecutor) Execute(ctx context.Context, stage Stage, app *graph.App, ec hooks.ExecContext) error {
	key := fmt.Sprintf("%s/%s", app.Name, stage)
	f.rec.add("stage:" + key)
	if err := f.fail[key]; err != nil {
		return err
	}
	return nil
}

// recordingRunner satisfies run.Runner for hook tasks.
type recordingRunner struct {
	rec *recorder
}

func (r *recordingRunner) Run(ctx context.Context, cmd run.Cmd) (*run.Result, error) {
	script := cmd.Script
	if script == "" {
		script = strings.Join(cmd.Argv, " ")
	}
	r.rec.add("cmd:" + script)
	return &run.Result{Stdout: "ok"}, nil
}

// memStore is an in-memory state.Store.
type memStore struct {
	mu      sync.Mutex
	records map[string][]*state.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]*state.Record)}
}

func (s *memStore) Begin(ctx context.Context, app string, meta state.Meta) (*state.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &state.Record{
		App:       app,
		Revision:  1,
		Namespace: meta.Namespace,
		Kind:      meta.Kind,
		Status:    state.StatusRunning,
		StartedAt: time.Now().UTC(),
		Payload:   meta.Payload,
	}
	if existing := s.records[app]; len(existing) > 0 {
		prev := existing[len(existing)-1].Revision
		record.Revision = prev + 1
		record.PreviousRevision = &prev
	}
	s.records[app] = append(s.records[app], record)
	return record, nil
}

func (s *memStore) Complete(ctx context.Context, app string, revision int, status state.Status, errSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[app] {
		if r.Revision == revision {
			now := time.Now().UTC()
			r.Status = status
			r.EndedAt = &now
			r.Error = errSummary
			return nil
		}
	}
	return fmt.Errorf("record %s/%d not found", app, revision)
}

func (s *memStore) History(ctx context.Context, filter state.Filter) ([]state.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []state.Record
	for app, records := range s.records {
		if filter.App != "" && app != filter.App {
			continue
		}
		for i := len(records) - 1; i >= 0; i-- {
			out = append(out, *records[i])
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) PreviousSucceeded(ctx context.Context, app string) (*state.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records[app]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status == state.StatusSucceeded {
			copy := *records[i]
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) latest(app string) *state.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records[app]
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

// harness bundles the orchestrator with its fakes.
type harness struct {
	rec          *recorder
	executor     *fakeExecutor
	store        *memStore
	orchestrator *Orchestrator
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()

	rec := &recorder{}
	executor := &fakeExecutor{rec: rec, fail: make(map[string]error)}
	store := newMemStore()

	runner := &recordingRunner{rec: rec}
	hookEngine := hooks.NewEngine(runner, kube.NewFakeApplyClient(), kube.NewFakeStatusClient(), nil, hooks.Options{
		AllowCommandTasks: true,
		PollInterval:      time.Millisecond,
	})

	registry := NewStageRegistry()
	for _, kind := range []graph.Kind{graph.KindHelm, graph.KindManifests, graph.KindScript, graph.KindExec, graph.KindNoop} {
		registry.Register(kind, executor)
	}

	return &harness{
		rec:          rec,
		executor:     executor,
		store:        store,
		orchestrator: New(registry, hookEngine, store, nil, options),
	}
}

func resolve(t *testing.T, apps []graph.App) *graph.Resolution {
	t.Helper()
	resolution, err := graph.Resolve(apps)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return resolution
}

func helmApp(name string, deps ...string) graph.App {
	return graph.App{Name: name, Kind: graph.KindHelm, Namespace: "default", Enabled: true, DependsOn: deps}
}

func TestDeployRunsLayersInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	resolution := resolve(t, []graph.App{
		helmApp("a"),
		helmApp("b", "a"),
		helmApp("c", "a"),
	})

	result, err := h.orchestrator.Deploy(context.Background(), resolution)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Err())
	}

	for _, name := range []string{"a", "b", "c"} {
		ar := result.Apps[name]
		if ar == nil || ar.State != AppSucceeded {
			t.Errorf("app %s: got %+v", name, ar)
		}
		record := h.store.latest(name)
		if record == nil || record.Status != state.StatusSucceeded {
			t.Errorf("app %s record: got %+v", name, record)
		}
	}

	// Every stage of layer one finishes before layer two starts.
	lastA := h.rec.index("stage:a/deploy")
	firstB := h.rec.index("stage:b/prepare")
	firstC := h.rec.index("stage:c/prepare")
	if lastA == -1 || firstB == -1 || firstC == -1 {
		t.Fatalf("missing stage events: %v", h.rec.all())
	}
	if firstB < lastA || firstC < lastA {
		t.Errorf("layer two started before layer one settled: %v", h.rec.all())
	}
}

func TestDeployRunsAllStages(t *testing.T) {
	h := newHarness(t, Options{})
	resolution := resolve(t, []graph.App{helmApp("a")})

	if _, err := h.orchestrator.Deploy(context.Background(), resolution); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	expected := []string{"stage:a/prepare", "stage:a/build", "stage:a/template", "stage:a/deploy"}
	got := h.rec.all()
	if len(got) != len(expected) {
		t.Fatalf("events: got %v, want %v", got, expected)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("events: got %v, want %v", got, expected)
		}
	}
}

func TestDeployContinueOnErrorFailsDependents(t *testing.T) {
	h := newHarness(t, Options{ContinueOnError: true})
	h.executor.fail["a/deploy"] = fmt.Errorf("helm upgrade failed")

	resolution := resolve(t, []graph.App{
		helmApp("a"),
		helmApp("b", "a"),
		helmApp("x"),
	})

	result, err := h.orchestrator.Deploy(context.Background(), resolution)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !result.Failed() {
		t.Fatal("expected failure")
	}

	if result.Apps["a"].State != AppFailed {
		t.Errorf("a: got %s", result.Apps["a"].State)
	}
	if !errors.Is(result.Apps["a"].Err, errors.ErrCodeStage) {
		t.Errorf("a error: got %v", result.Apps["a"].Err)
	}
	if result.Apps["x"].State != AppSucceeded {
		t.Errorf("x: got %s, want succeeded (independent of the failure)", result.Apps["x"].State)
	}

	// The dependent is failed without being attempted: no stages run, no
	// state record is written.
	if result.Apps["b"].State != AppFailed {
		t.Errorf("b: got %s, want failed", result.Apps["b"].State)
	}
	if result.Apps["b"].Err == nil || !strings.Contains(result.Apps["b"].Err.Error(), "dependency") {
		t.Errorf("b error: got %v", result.Apps["b"].Err)
	}
	for _, event := range h.rec.all() {
		if strings.HasPrefix(event, "stage:b/") {
			t.Errorf("failed dependent executed a stage: %v", h.rec.all())
		}
	}
	if h.store.latest("b") != nil {
		t.Error("never-attempted app has a state record")
	}
	if record := h.store.latest("a"); record == nil || record.Status != state.StatusFailed || record.Error == "" {
		t.Errorf("a record: got %+v", record)
	}
}

func TestDeployLayerMixingFailedDependentsWithRunnable(t *testing.T) {
	h := newHarness(t, Options{ContinueOnError: true})
	h.executor.fail["a/deploy"] = fmt.Errorf("boom")

	// Layer two interleaves apps whose dependency failed with apps that
	// still run, so settling the former overlaps the latter's workers.
	apps := []graph.App{helmApp("a"), helmApp("base")}
	for i := 0; i < 20; i++ {
		apps = append(apps, helmApp(fmt.Sprintf("dep-%d", i), "a"))
		apps = append(apps, helmApp(fmt.Sprintf("run-%d", i), "base"))
	}

	result, err := h.orchestrator.Deploy(context.Background(), resolve(t, apps))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	for i := 0; i < 20; i++ {
		dep := result.Apps[fmt.Sprintf("dep-%d", i)]
		if dep.State != AppFailed || dep.Err == nil {
			t.Errorf("dep-%d: got %+v", i, dep)
		}
		run := result.Apps[fmt.Sprintf("run-%d", i)]
		if run.State != AppSucceeded {
			t.Errorf("run-%d: got %s, want succeeded", i, run.State)
		}
	}
}

func TestDeployAbortsLaterLayersByDefault(t *testing.T) {
	h := newHarness(t, Options{})
	h.executor.fail["a/deploy"] = fmt.Errorf("boom")

	resolution := resolve(t, []graph.App{
		helmApp("a"),
		helmApp("b", "a"),
	})

	result, err := h.orchestrator.Deploy(context.Background(), resolution)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if result.Apps["b"].State != AppSkipped {
		t.Errorf("b: got %s, want skipped", result.Apps["b"].State)
	}
	for _, event := range h.rec.all() {
		if strings.HasPrefix(event, "stage:b/") {
			t.Errorf("aborted app executed a stage: %v", h.rec.all())
		}
	}
	if h.store.latest("b") != nil {
		t.Error("aborted app has a state record")
	}
}

func TestDeployDryRun(t *testing.T) {
	h := newHarness(t, Options{DryRun: true})
	resolution := resolve(t, []graph.App{helmApp("a"), helmApp("b", "a")})

	result, err := h.orchestrator.Deploy(context.Background(), resolution)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if len(h.rec.all()) != 0 {
		t.Errorf("dry run executed stages: %v", h.rec.all())
	}
	if h.store.latest("a") != nil || h.store.latest("b") != nil {
		t.Error("dry run wrote state records")
	}
	for _, ar := range result.Apps {
		if ar.State != AppSkipped {
			t.Errorf("app %s: got %s, want skipped", ar.App.Name, ar.State)
		}
	}
}

func TestDeployMaxParallel(t *testing.T) {
	h := newHarness(t, Options{MaxParallel: 1})
	resolution := resolve(t, []graph.App{helmApp("a"), helmApp("b"), helmApp("c")})

	result, err := h.orchestrator.Deploy(context.Background(), resolution)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Err())
	}
	if len(h.rec.all()) != 12 {
		t.Errorf("expected 12 stage events, got %d", len(h.rec.all()))
	}
}

func TestDeployHookPhases(t *testing.T) {
	h := newHarness(t, Options{})

	app := helmApp("api")
	app.Hooks = &hooks.Bundle{
		Deploy: hooks.PhaseHooks{
			Pre:  []hooks.Task{{Name: "migrate", Command: "migrate up"}},
			Post: []hooks.Task{{Name: "smoke", Command: "smoke test"}},
		},
	}

	result, err := h.orchestrator.Deploy(context.Background(), resolve(t, []graph.App{app}))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Failed() {
		t.Fatalf("unexpected failure: %v", result.Err())
	}

	pre := h.rec.index("cmd:migrate up")
	deploy := h.rec.index("stage:api/deploy")
	post := h.rec.index("cmd:smoke test")
	if pre == -1 || deploy == -1 || post == -1 {
		t.Fatalf("missing events: %v", h.rec.all())
	}
	if !(pre < deploy && deploy < post) {
		t.Errorf("hook ordering wrong: %v", h.rec.all())
	}
}

func TestDeployOnFailureHooksAndBundleRollback(t *testing.T) {
	h := newHarness(t, Options{})
	h.executor.fail["api/deploy"] = fmt.Errorf("helm upgrade failed")

	app := helmApp("api")
	app.Hooks = &hooks.Bundle{
		Deploy: hooks.PhaseHooks{
			OnFailure: []hooks.Task{{Name: "alert", Command: "notify oncall"}},
		},
		Rollback: &hooks.Rollback{Enabled: true, Command: "helm rollback api"},
	}

	result, err := h.orchestrator.Deploy(context.Background(), resolve(t, []graph.App{app}))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !result.Failed() {
		t.Fatal("expected failure")
	}

	events := h.rec.all()
	if h.rec.index("cmd:notify oncall") == -1 {
		t.Errorf("on-failure hook did not run: %v", events)
	}
	if h.rec.index("cmd:helm rollback api") == -1 {
		t.Errorf("bundle rollback did not run: %v", events)
	}
}

func TestDeployHookApp(t *testing.T) {
	h := newHarness(t, Options{})

	app := graph.App{
		Name:    "seed",
		Kind:    graph.KindHook,
		Enabled: true,
		Tasks: []hooks.Task{
			{Name: "load", Command: "seed data"},
		},
	}

	result, err := h.orchestrator.Deploy(context.Background(), resolve(t, []graph.App{app}))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Apps["seed"].State != AppSucceeded {
		t.Fatalf("seed: got %+v", result.Apps["seed"])
	}
	if h.rec.index("cmd:seed data") == -1 {
		t.Errorf("hook app task did not run: %v", h.rec.all())
	}
	if record := h.store.latest("seed"); record == nil || record.Status != state.StatusSucceeded {
		t.Errorf("seed record: got %+v", record)
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	// Seed history: one succeeded revision, then a failed one.
	payload := map[string]interface{}{"chart": "bitnami/nginx"}
	record, _ := h.store.Begin(ctx, "api", state.Meta{Kind: string(graph.KindHelm), Namespace: "default", Payload: payload})
	_ = h.store.Complete(ctx, "api", record.Revision, state.StatusSucceeded, "")
	record, _ = h.store.Begin(ctx, "api", state.Meta{Kind: string(graph.KindHelm), Namespace: "default"})
	_ = h.store.Complete(ctx, "api", record.Revision, state.StatusFailed, "boom")

	rolled, err := h.orchestrator.Rollback(ctx, "api")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if rolled.Revision != 3 {
		t.Errorf("rollback revision: got %d, want 3", rolled.Revision)
	}
	if rolled.Status != state.StatusRolledBack {
		t.Errorf("rollback status: got %s", rolled.Status)
	}

	// The deploy replays from the snapshot, skipping template.
	events := h.rec.all()
	if h.rec.index("stage:api/deploy") == -1 {
		t.Errorf("rollback did not deploy: %v", events)
	}
	if h.rec.index("stage:api/template") != -1 {
		t.Errorf("rollback rendered templates: %v", events)
	}
}

func TestRollbackFailure(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	record, _ := h.store.Begin(ctx, "api", state.Meta{Kind: string(graph.KindHelm)})
	_ = h.store.Complete(ctx, "api", record.Revision, state.StatusSucceeded, "")

	h.executor.fail["api/deploy"] = fmt.Errorf("cluster unreachable")

	_, err := h.orchestrator.Rollback(ctx, "api")
	if err == nil {
		t.Fatal("expected rollback failure")
	}
	if record := h.store.latest("api"); record.Status != state.StatusFailed {
		t.Errorf("rollback record: got %s, want failed", record.Status)
	}
}

func TestRollbackWithoutHistory(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.orchestrator.Rollback(context.Background(), "ghost")
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDeployBundleValidationGate(t *testing.T) {
	rec := &recorder{}
	executor := &fakeExecutor{rec: rec, fail: make(map[string]error)}
	store := newMemStore()

	status := kube.NewFakeStatusClient()
	ref := kube.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "default"}
	status.Set(ref, &kube.ObjectStatus{Exists: true, DesiredReplicas: 1, ReadyReplicas: 0})

	hookEngine := hooks.NewEngine(&recordingRunner{rec: rec}, kube.NewFakeApplyClient(), status, nil, hooks.Options{
		AllowCommandTasks: true,
		PollInterval:      time.Millisecond,
	})

	registry := NewStageRegistry()
	registry.Register(graph.KindHelm, executor)
	orchestrator := New(registry, hookEngine, store, nil, Options{})

	app := helmApp("api")
	app.Hooks = &hooks.Bundle{
		Validation: &hooks.Validation{
			Resource:     kube.ResourceRef{Kind: "Deployment", Name: "api"},
			WaitForReady: true,
			Timeout:      20 * time.Millisecond,
		},
	}

	result, err := orchestrator.Deploy(context.Background(), resolve(t, []graph.App{app}))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.Apps["api"].State != AppFailed {
		t.Fatalf("api: got %s, want failed on the validation gate", result.Apps["api"].State)
	}
	if record := store.latest("api"); record.Status != state.StatusFailed {
		t.Errorf("record: got %s", record.Status)
	}
}
