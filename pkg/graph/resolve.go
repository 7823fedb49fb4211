package graph

import (
	"fmt"

	"github.com/flotilla-dev/flotilla/pkg/errors"
)

// Resolution is the outcome of dependency resolution: the ordered execution
// layers plus visibility into what was excluded.
type Resolution struct {
	// Layers holds the apps in execution order. Apps within one layer
	// have no dependency edges between them and may run concurrently;
	// layer i must reach a terminal state before layer i+1 starts.
	Layers [][]*App

	// Disabled lists the apps excluded from the graph, for visibility.
	Disabled []*App

	// Warnings lists non-fatal resolution findings, such as dependencies
	// on disabled apps.
	Warnings []string
}

// Apps returns all scheduled apps in layer order.
func (r *Resolution) Apps() []*App {
	var apps []*App
	for _, layer := range r.Layers {
		apps = append(apps, layer...)
	}
	return apps
}

// Dependencies returns the enabled dependencies of the given app.
func (r *Resolution) Dependencies(app *App) []string {
	disabled := make(map[string]bool, len(r.Disabled))
	for _, d := range r.Disabled {
		disabled[d.Name] = true
	}

	var deps []string
	for _, dep := range app.DependsOn {
		if !disabled[dep] {
			deps = append(deps, dep)
		}
	}
	return deps
}

// Resolve validates the app list, detects cycles, and computes parallel
// execution layers. Ties within a layer follow declaration order, so the
// same input always yields the same layer sequence.
func Resolve(apps []App) (*Resolution, error) {
	byName := make(map[string]*App, len(apps))
	order := make([]*App, 0, len(apps))
	for i := range apps {
		app := &apps[i]
		if _, exists := byName[app.Name]; exists {
			return nil, errors.New(errors.ErrCodeConflict,
				fmt.Sprintf("app %q is declared more than once", app.Name))
		}
		byName[app.Name] = app
		order = append(order, app)
	}

	// Validate references before anything executes.
	for _, app := range order {
		for _, dep := range app.DependsOn {
			if _, exists := byName[dep]; !exists {
				return nil, &errors.InvalidReferenceError{
					Referrer: app.Name,
					Target:   dep,
					Field:    "depends_on",
				}
			}
		}
	}

	resolution := &Resolution{}

	enabled := make([]*App, 0, len(order))
	for _, app := range order {
		if app.Enabled {
			enabled = append(enabled, app)
		} else {
			resolution.Disabled = append(resolution.Disabled, app)
		}
	}

	// Build adjacency over enabled apps. An edge onto a disabled app is
	// vacuously satisfied and reported as a warning; the intent is
	// ambiguous enough that silence would hide mistakes.
	deps := make(map[string][]string, len(enabled))
	for _, app := range enabled {
		for _, dep := range app.DependsOn {
			if dep == app.Name {
				return nil, &errors.CycleError{Path: []string{app.Name}}
			}
			if !byName[dep].Enabled {
				resolution.Warnings = append(resolution.Warnings,
					fmt.Sprintf("app %q depends on disabled app %q; treating the dependency as satisfied", app.Name, dep))
				continue
			}
			deps[app.Name] = append(deps[app.Name], dep)
		}
	}

	if cycle := findCycle(enabled, deps); cycle != nil {
		return nil, &errors.CycleError{Path: cycle}
	}

	resolution.Layers = layer(enabled, deps)
	return resolution, nil
}

type dfsColor int

const (
	white dfsColor = iota // unvisited
	gray                  // on the current DFS path
	black                 // fully explored
)

// findCycle runs a three-color depth-first search and returns the exact
// cycle path when one exists, nil otherwise. Visit order follows
// declaration order so the reported cycle is deterministic.
func findCycle(apps []*App, deps map[string][]string) []string {
	colors := make(map[string]dfsColor, len(apps))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colors[name] = gray
		stack = append(stack, name)

		for _, dep := range deps[name] {
			switch colors[dep] {
			case gray:
				// Found a back edge; the cycle is the stack suffix
				// starting at dep.
				for i, n := range stack {
					if n == dep {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[name] = black
		return nil
	}

	for _, app := range apps {
		if colors[app.Name] == white {
			if cycle := visit(app.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// layer computes parallel execution layers with a Kahn's-algorithm variant:
// each round collects every app whose remaining in-degree is zero, in
// declaration order. The graph is known acyclic at this point.
func layer(apps []*App, deps map[string][]string) [][]*App {
	inDegree := make(map[string]int, len(apps))
	dependents := make(map[string][]string, len(apps))
	for _, app := range apps {
		inDegree[app.Name] = len(deps[app.Name])
		for _, dep := range deps[app.Name] {
			dependents[dep] = append(dependents[dep], app.Name)
		}
	}

	assigned := make(map[string]bool, len(apps))
	var layers [][]*App

	for len(assigned) < len(apps) {
		var current []*App
		for _, app := range apps {
			if !assigned[app.Name] && inDegree[app.Name] == 0 {
				current = append(current, app)
			}
		}

		for _, app := range current {
			assigned[app.Name] = true
			for _, dependent := range dependents[app.Name] {
				inDegree[dependent]--
			}
		}

		layers = append(layers, current)
	}

	return layers
}
