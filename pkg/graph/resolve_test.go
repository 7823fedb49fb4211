package graph

import (
	"reflect"
	"testing"

	"github.com/flotilla-dev/flotilla/pkg/errors"
)

func app(name string, deps ...string) App {
	return App{Name: name, Kind: KindNoop, Enabled: true, DependsOn: deps}
}

func layerNames(resolution *Resolution) [][]string {
	var layers [][]string
	for _, layer := range resolution.Layers {
		var names []string
		for _, a := range layer {
			names = append(names, a.Name)
		}
		layers = append(layers, names)
	}
	return layers
}

func TestResolveLayers(t *testing.T) {
	resolution, err := Resolve([]App{
		app("b", "a"),
		app("a"),
		app("c", "a"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	expected := [][]string{{"a"}, {"b", "c"}}
	if got := layerNames(resolution); !reflect.DeepEqual(got, expected) {
		t.Errorf("layers: got %v, want %v", got, expected)
	}
}

func TestResolveDiamond(t *testing.T) {
	resolution, err := Resolve([]App{
		app("a"),
		app("b", "a"),
		app("c", "a"),
		app("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	expected := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if got := layerNames(resolution); !reflect.DeepEqual(got, expected) {
		t.Errorf("layers: got %v, want %v", got, expected)
	}
}

func TestResolveNoDependencies(t *testing.T) {
	resolution, err := Resolve([]App{app("x"), app("y"), app("z")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	expected := [][]string{{"x", "y", "z"}}
	if got := layerNames(resolution); !reflect.DeepEqual(got, expected) {
		t.Errorf("layers: got %v, want %v", got, expected)
	}
}

func TestResolveDeterministic(t *testing.T) {
	apps := []App{
		app("gamma"),
		app("alpha"),
		app("beta", "gamma"),
		app("delta", "gamma", "alpha"),
	}

	first, err := Resolve(apps)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for i := 0; i < 50; i++ {
		again, err := Resolve(apps)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !reflect.DeepEqual(layerNames(first), layerNames(again)) {
			t.Fatalf("run %d: layers differ: %v vs %v", i, layerNames(first), layerNames(again))
		}
	}
}

func TestResolveCycle(t *testing.T) {
	_, err := Resolve([]App{
		app("x", "y"),
		app("y", "x"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}

	cycle, ok := err.(*errors.CycleError)
	if !ok {
		t.Fatalf("expected *errors.CycleError, got %T: %v", err, err)
	}
	if !reflect.DeepEqual(cycle.Path, []string{"x", "y"}) {
		t.Errorf("cycle path: got %v, want [x y]", cycle.Path)
	}
}

func TestResolveLongerCycle(t *testing.T) {
	_, err := Resolve([]App{
		app("a", "c"),
		app("b", "a"),
		app("c", "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	cycle, ok := err.(*errors.CycleError)
	if !ok {
		t.Fatalf("expected *errors.CycleError, got %T", err)
	}
	if len(cycle.Path) != 3 {
		t.Errorf("cycle length: got %d (%v), want 3", len(cycle.Path), cycle.Path)
	}
}

func TestResolveSelfDependency(t *testing.T) {
	_, err := Resolve([]App{app("solo", "solo")})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	cycle, ok := err.(*errors.CycleError)
	if !ok {
		t.Fatalf("expected *errors.CycleError, got %T", err)
	}
	if !reflect.DeepEqual(cycle.Path, []string{"solo"}) {
		t.Errorf("cycle path: got %v, want [solo]", cycle.Path)
	}
}

func TestResolveUnknownReference(t *testing.T) {
	_, err := Resolve([]App{app("web", "database")})
	if err == nil {
		t.Fatal("expected reference error")
	}

	ref, ok := err.(*errors.InvalidReferenceError)
	if !ok {
		t.Fatalf("expected *errors.InvalidReferenceError, got %T: %v", err, err)
	}
	if ref.Referrer != "web" || ref.Target != "database" {
		t.Errorf("reference error: got %+v", ref)
	}
}

func TestResolveDuplicateName(t *testing.T) {
	_, err := Resolve([]App{app("dup"), app("dup")})
	if !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestResolveDisabledApp(t *testing.T) {
	disabled := app("cache")
	disabled.Enabled = false

	resolution, err := Resolve([]App{
		app("web", "cache"),
		disabled,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	expected := [][]string{{"web"}}
	if got := layerNames(resolution); !reflect.DeepEqual(got, expected) {
		t.Errorf("layers: got %v, want %v", got, expected)
	}
	if len(resolution.Disabled) != 1 || resolution.Disabled[0].Name != "cache" {
		t.Errorf("disabled: got %v", resolution.Disabled)
	}
	if len(resolution.Warnings) != 1 {
		t.Errorf("expected one warning for the edge onto the disabled app, got %v", resolution.Warnings)
	}
}

func TestResolutionDependencies(t *testing.T) {
	disabled := app("cache")
	disabled.Enabled = false

	resolution, err := Resolve([]App{
		app("db"),
		disabled,
		app("web", "db", "cache"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var web *App
	for _, a := range resolution.Apps() {
		if a.Name == "web" {
			web = a
		}
	}
	if web == nil {
		t.Fatal("web not scheduled")
	}

	deps := resolution.Dependencies(web)
	if !reflect.DeepEqual(deps, []string{"db"}) {
		t.Errorf("dependencies: got %v, want [db]", deps)
	}
}
