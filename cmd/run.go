package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/agent"
)

const stopGrace = 15 * time.Second

type runOptions struct {
	identifier  string
	description string
	budget      int
	headful     bool
	timeout     time.Duration
}

func newRunCmd(state *appState) *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Open url in Chrome and search it for a part",
		Long: `Launches Chrome, loads the catalog page and runs one session toward the
goal. The completion report is printed to stdout as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, state, opts, args[0])
		},
	}
	runCmd.Flags().StringVar(&opts.identifier, "vin", "", "vehicle identifier to look up (required)")
	runCmd.Flags().StringVar(&opts.description, "part", "", "part to search for, e.g. \"front brake pads\"")
	runCmd.Flags().IntVar(&opts.budget, "budget", 0, "override agent.step_budget")
	runCmd.Flags().BoolVar(&opts.headful, "headful", false, "show the browser window")
	runCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop the session after this long (0 waits indefinitely)")
	_ = runCmd.MarkFlagRequired("vin")
	return runCmd
}

func runSession(cmd *cobra.Command, state *appState, opts *runOptions, startURL string) error {
	ctx := cmd.Context()
	cfg := state.cfg
	logger := state.logger

	goal, err := agent.NormalizeGoal(schemas.Goal{Identifier: opts.identifier, Description: opts.description}, cfg.Agent().IdentifierLength)
	if err != nil {
		return err
	}
	if opts.budget > 0 {
		cfg.SetAgentStepBudget(opts.budget)
	}
	if opts.headful {
		cfg.SetBrowserHeadless(false)
	}

	components, err := state.factory.Create(ctx, cfg, state.opener(startURL), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	// Loops run until Shutdown, not until ctx is cancelled.
	if err := components.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	orch := components.Orchestrator
	if err := orch.Reconcile(ctx); err != nil {
		logger.Warn("Could not reconcile persisted session state.", zap.Error(err))
	}

	session, err := orch.Start(ctx, goal)
	if err != nil {
		return err
	}
	logger.Info("Session started.", zap.String("session_id", session.ID), zap.String("url", startURL))

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	report, err := orch.Wait(waitCtx)
	if err != nil {
		// Interrupted or timed out: stop the session and collect its report.
		logger.Info("Stopping session.", zap.Error(err))
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if stopErr := orch.Stop(stopCtx); stopErr != nil {
			logger.Warn("Stop did not complete cleanly.", zap.Error(stopErr))
		}
		if report, err = orch.Wait(stopCtx); err != nil {
			return fmt.Errorf("session did not finish: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
