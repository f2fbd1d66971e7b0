package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/internal/agent"
	"github.com/xkilldash9x/partscout/internal/browser"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/browser/executor"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/mediator"
)

// PageOpener produces the page the mediator drives and a function that
// releases it.
type PageOpener func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (mediator.Page, func(), error)

// ChromePage launches Chrome and navigates to startURL.
func ChromePage(startURL string) PageOpener {
	return func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (mediator.Page, func(), error) {
		tab, err := browser.NewTab(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if startURL != "" {
			if err := tab.Navigate(ctx, startURL); err != nil {
				tab.Close()
				return nil, nil, err
			}
		}
		return tab, tab.Close, nil
	}
}

// ExistingPage serves an already constructed page, such as a StaticPage.
func ExistingPage(page mediator.Page) PageOpener {
	return func(context.Context, config.BrowserConfig, *zap.Logger) (mediator.Page, func(), error) {
		return page, func() {}, nil
	}
}

// ComponentFactory creates the components of one controller run.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, open PageOpener, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the store, oracle, bus, page, mediator and orchestrator. The
// loops are not started; call Components.Start.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, open PageOpener, logger *zap.Logger) (*Components, error) {
	c := &Components{logger: logger.Named("components")}
	success := false
	defer func() {
		if !success {
			c.Shutdown()
		}
	}()

	st, err := InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	c.Store = st

	decider, client, err := InitializeDecider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.LLM = client

	busCfg := cfg.Bus()
	c.Bus = bus.New(logger, bus.Options{
		BufferSize:     busCfg.BufferSize,
		RequestTimeout: busCfg.RequestTimeout,
		RequestRetries: busCfg.RequestRetries,
	})

	page, closePage, err := open(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	c.Page = page
	c.closePage = closePage

	agentCfg := cfg.Agent()
	c.Executor = executor.New(logger, dom.NewResolver(logger), executor.TimingFromConfig(agentCfg.Interaction))
	c.Mediator = mediator.New(logger, c.Bus, page, c.Executor, mediator.Options{
		CaptureSettle:    agentCfg.CaptureSettle,
		MutationDebounce: agentCfg.MutationDebounce,
	})
	c.Orchestrator = agent.New(logger, c.Bus, st, decider, agent.Options{
		StepBudget:             agentCfg.StepBudget,
		MaxConsecutiveFailures: agentCfg.MaxConsecutiveFailures,
		SettleDelay:            agentCfg.SettleDelay,
	})

	success = true
	return c, nil
}
