package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flotilla-dev/flotilla/pkg/engine"
	"github.com/flotilla-dev/flotilla/pkg/graph"
)

// timeUnit is the display rounding for durations.
const timeUnit = 10 * time.Millisecond

// printPlan renders the resolved execution layers.
func printPlan(w io.Writer, resolution *graph.Resolution) {
	fmt.Fprintln(w, "Execution Plan:")
	for i, layer := range resolution.Layers {
		names := make([]string, len(layer))
		for j, app := range layer {
			names[j] = fmt.Sprintf("%s (%s)", app.Name, app.Kind)
		}
		fmt.Fprintf(w, "  layer %d: %s\n", i+1, strings.Join(names, ", "))
	}

	if len(resolution.Disabled) > 0 {
		var names []string
		for _, app := range resolution.Disabled {
			names = append(names, app.Name)
		}
		fmt.Fprintf(w, "  disabled: %s\n", strings.Join(names, ", "))
	}

	for _, warning := range resolution.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	fmt.Fprintln(w)
}

// printResult renders per-app outcomes in layer order.
func printResult(w io.Writer, result *engine.Result) {
	fmt.Fprintln(w)
	for _, layer := range result.Layers {
		for _, name := range layer {
			ar, ok := result.Apps[name]
			if !ok {
				continue
			}
			switch ar.State {
			case engine.AppSucceeded:
				fmt.Fprintf(w, "[success] %s (revision %d, %s)\n", name, ar.Revision, ar.Duration.Round(timeUnit))
			case engine.AppFailed:
				fmt.Fprintf(w, "[failed]  %s: %v\n", name, ar.Err)
			case engine.AppSkipped:
				if ar.Err != nil {
					fmt.Fprintf(w, "[skipped] %s: %v\n", name, ar.Err)
				} else {
					fmt.Fprintf(w, "[skipped] %s\n", name)
				}
			}
		}
	}
}
