package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/state"
)

func newHistoryCmd() *cobra.Command {
	var (
		namespace     string
		limit         int
		backendType   string
		backendConfig []string
	)

	cmd := &cobra.Command{
		Use:   "history [app]",
		Short: "Show deployment history",
		Long: `Show recorded deployment revisions, newest first. With an app name
only that app's revisions are shown.

Examples:
  flotilla history
  flotilla history api --limit 5
  flotilla history --namespace staging`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := createStore(backendType, backendConfig)
			if err != nil {
				return fmt.Errorf("failed to create state store: %w", err)
			}
			defer store.Close()

			filter := state.Filter{Namespace: namespace, Limit: limit}
			if len(args) == 1 {
				filter.App = args[0]
			}

			records, err := store.History(ctx, filter)
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deployment records found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tREVISION\tSTATUS\tNAMESPACE\tSTARTED\tDURATION\tERROR")
			for _, r := range records {
				duration := "-"
				if r.EndedAt != nil {
					duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				errSummary := r.Error
				if len(errSummary) > 60 {
					errSummary = errSummary[:57] + "..."
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					r.App, r.Revision, r.Status, r.Namespace,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					duration, errSummary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Filter by namespace")
	cmd.Flags().IntVar(&limit, "limit", 0, "Limit the number of records shown")
	cmd.Flags().StringVar(&backendType, "backend", "", "State backend type")
	cmd.Flags().StringArrayVar(&backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	return cmd
}
