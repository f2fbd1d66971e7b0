package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/agent"
	"github.com/xkilldash9x/partscout/internal/browser/executor"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/mediator"
	"github.com/xkilldash9x/partscout/internal/store"
)

// Components holds the wired session loop and owns its lifecycle.
type Components struct {
	Store        store.StateStore
	LLM          schemas.LLMClient
	Bus          *bus.Bus
	Executor     *executor.Executor
	Page         mediator.Page
	Mediator     *mediator.Mediator
	Orchestrator *agent.Orchestrator

	logger    *zap.Logger
	closePage func()
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Start runs the mediator and orchestrator loops and returns once both are
// subscribed to the bus.
func (c *Components) Start(ctx context.Context) error {
	if c.group != nil {
		return fmt.Errorf("components already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.Mediator.Run(gctx) })
	g.Go(func() error { return c.Orchestrator.Run(gctx) })
	c.cancel = cancel
	c.group = g

	for _, ready := range []<-chan struct{}{c.Mediator.Ready(), c.Orchestrator.Ready()} {
		select {
		case <-ready:
		case <-gctx.Done():
			return fmt.Errorf("session loop did not start: %w", gctx.Err())
		}
	}
	return nil
}

// Shutdown stops the loops, then releases the bus, page, executor, LLM
// client and store in that order.
func (c *Components) Shutdown() {
	c.logger.Debug("Beginning components shutdown sequence.")

	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil {
			c.logger.Warn("Session loop exited with error.", zap.Error(err))
		}
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
	if c.Executor != nil {
		c.Executor.Close()
	}
	if c.closePage != nil {
		c.closePage()
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			c.logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("Error closing state store.", zap.Error(err))
		}
	}
	c.logger.Debug("Components shut down.")
}
