package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/store"
)

func newStatusCmd(state *appState) *cobra.Command {
	var (
		sessionID string
		logLines  int
	)
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted controller state and recent log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if state.cfg.Store().Type != "postgres" {
				fmt.Fprintln(cmd.ErrOrStderr(), "store.type is memory: nothing is persisted between runs.")
			}

			st, err := state.openStore(ctx, state.cfg.Store(), state.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			activeID, active, err := st.ActiveSession(ctx)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = activeID
			}
			fmt.Fprintf(out, "active: %t\n", active)

			if sessionID != "" {
				s, err := st.LoadSession(ctx, sessionID)
				switch {
				case errors.Is(err, store.ErrNotFound):
					fmt.Fprintf(out, "session %s: not found\n", sessionID)
				case err != nil:
					return err
				default:
					w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintf(w, "session\t%s\n", s.ID)
					fmt.Fprintf(w, "goal\t%s %s\n", s.GoalIdentifier, s.GoalDescription)
					fmt.Fprintf(w, "status\t%s\n", s.Status)
					fmt.Fprintf(w, "steps\t%d/%d\n", s.StepCount, s.StepBudget)
					fmt.Fprintf(w, "results\t%d\n", len(s.Results))
					if s.Reason != "" {
						fmt.Fprintf(w, "reason\t%s\n", s.Reason)
					}
					fmt.Fprintf(w, "started\t%s\n", s.StartedAt.Format(time.RFC3339))
					w.Flush()
				}
			}

			entries, err := st.RecentLogs(ctx, logLines)
			if err != nil {
				return err
			}
			return printLogEntries(out, entries)
		},
	}
	statusCmd.Flags().StringVar(&sessionID, "session", "", "session to show (defaults to the active one)")
	statusCmd.Flags().IntVarP(&logLines, "lines", "n", 20, "number of log lines to show")
	return statusCmd
}

func printLogEntries(out io.Writer, entries []schemas.LogEntry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintf(out, "%s %-5s %s\n", e.At.Format(time.TimeOnly), e.Level, e.Message); err != nil {
			return err
		}
	}
	return nil
}
