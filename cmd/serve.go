package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/control"
)

type serveOptions struct {
	listen  string
	headful bool
}

func newServeCmd(state *appState) *cobra.Command {
	opts := &serveOptions{}
	serveCmd := &cobra.Command{
		Use:   "serve <url>",
		Short: "Open url in Chrome and wait for sessions over HTTP",
		Long: `Launches Chrome on the catalog page and serves the control API:

  POST   /api/v1/session   start a session {"goal_identifier": "...", "goal_description": "..."}
  DELETE /api/v1/session   stop the running session
  GET    /api/v1/session   current session state
  GET    /api/v1/logs?n=   recent log lines
  GET    /ws/v1/events     live log and completion events (WebSocket)

Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, state, opts, args[0])
		},
	}
	serveCmd.Flags().StringVar(&opts.listen, "listen", "", "override control.listen_addr")
	serveCmd.Flags().BoolVar(&opts.headful, "headful", false, "show the browser window")
	return serveCmd
}

func serve(cmd *cobra.Command, state *appState, opts *serveOptions, startURL string) error {
	ctx := cmd.Context()
	cfg := state.cfg
	logger := state.logger

	if opts.headful {
		cfg.SetBrowserHeadless(false)
	}
	addr := cfg.Control().ListenAddr
	if opts.listen != "" {
		addr = opts.listen
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

	srv := control.NewServer(logger, cfg.Control(), components.Bus, orch, components.Store, cfg.Agent().IdentifierLength)
	fmt.Fprintf(cmd.ErrOrStderr(), "control API listening on http://%s\n", addr)
	serveErr := srv.Run(ctx, addr)

	if orch.Status().Status == schemas.StatusRunning {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		if err := orch.Stop(stopCtx); err != nil {
			logger.Warn("Stop did not complete cleanly.", zap.Error(err))
		}
	}
	return serveErr
}
