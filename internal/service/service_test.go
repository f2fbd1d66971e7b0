package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/mediator"
	"github.com/xkilldash9x/partscout/internal/store"
)

const vinPage = `<html><head><title>Lookup</title></head><body>
<form><input id="vin" placeholder="Enter VIN"></form>
<h3>Front brake part</h3>
</body></html>`

func quietConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LLMCfg.Provider = config.ProviderNone
	cfg.AgentCfg.StepBudget = 3
	cfg.AgentCfg.SettleDelay = 0
	cfg.AgentCfg.CaptureSettle = 0
	cfg.AgentCfg.MutationDebounce = 10 * time.Millisecond
	cfg.AgentCfg.Interaction = config.InteractionConfig{}
	cfg.BusCfg.RequestTimeout = time.Second
	return cfg
}

func TestInitializeStore(t *testing.T) {
	logger := zaptest.NewLogger(t)

	st, err := InitializeStore(context.Background(), config.StoreConfig{Type: "memory", LogCapacity: 5}, logger)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	_, err = InitializeStore(context.Background(), config.StoreConfig{Type: "redis"}, logger)
	assert.EqualError(t, err, "unsupported store type: redis")

	_, err = InitializeStore(context.Background(), config.StoreConfig{Type: "postgres", URL: "://bad"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse PGX pool config")
}

func TestInitializeDecider_NoProvider(t *testing.T) {
	cfg := quietConfig()
	o, client, err := InitializeDecider(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, client)
	require.NotNil(t, o)

	d := o.Decide(context.Background(), schemas.StructureSnapshot{}, schemas.Goal{Identifier: "X"})
	assert.Equal(t, schemas.SourceHeuristic, d.Source)
}

func TestInitializeDecider_UnknownProvider(t *testing.T) {
	cfg := quietConfig()
	cfg.LLMCfg.Provider = "openai"
	_, _, err := InitializeDecider(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize LLM client")
}

func TestFactory_RunsOneSession(t *testing.T) {
	page, err := mediator.NewStaticPage(vinPage, "https://parts.example/lookup")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewComponentFactory().Create(ctx, quietConfig(), ExistingPage(page), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown()
	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx), "a second start is rejected")

	_, err = c.Orchestrator.Start(ctx, schemas.Goal{Identifier: "WVWZZZ1JZXW000001"})
	require.NoError(t, err)
	report, err := c.Orchestrator.Wait(ctx)
	require.NoError(t, err)

	// The VIN field is filled on every step since the static page never
	// navigates, so the budget ends the session.
	assert.Equal(t, schemas.StatusCompleted, report.Status)
	assert.Equal(t, "maximum steps reached", report.Reason)
	assert.Equal(t, 3, report.StepCount)

	el, err := page.StaticDocument().QuerySelector(ctx, "#vin")
	require.NoError(t, err)
	v, err := el.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, "WVWZZZ1JZXW000001", v)

	logs, err := c.Store.RecentLogs(ctx, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestFactory_PageFailure(t *testing.T) {
	failing := func(context.Context, config.BrowserConfig, *zap.Logger) (mediator.Page, func(), error) {
		return nil, nil, assert.AnError
	}
	_, err := NewComponentFactory().Create(context.Background(), quietConfig(), failing, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
