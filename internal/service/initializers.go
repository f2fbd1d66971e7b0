package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/llmclient"
	"github.com/xkilldash9x/partscout/internal/oracle"
	"github.com/xkilldash9x/partscout/internal/store"
)

// InitializeStore opens the configured state store. Closing the store closes
// any connection pool it owns.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.StateStore, error) {
	switch cfg.Type {
	case "memory", "":
		logger.Debug("Using in-memory state store. Session state will not survive a restart.")
		return store.NewMemory(cfg.LogCapacity), nil
	case "postgres":
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		poolConfig.MaxConns = 4
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		st, err := store.NewPostgres(ctx, pool, cfg.LogCapacity, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// InitializeDecider builds the decision oracle. When no provider is
// configured the oracle runs on the heuristic alone and the client is nil.
func InitializeDecider(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*oracle.Oracle, schemas.LLMClient, error) {
	client, err := llmclient.NewClient(ctx, cfg.LLM(), logger)
	switch {
	case errors.Is(err, llmclient.ErrNoProvider):
		logger.Info("No LLM provider configured. Decisions will be heuristic only.")
		client = nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	agentCfg := cfg.Agent()
	o := oracle.New(client, oracle.NewHeuristic(agentCfg.Credentials), oracle.Options{
		PromptBudget:      agentCfg.PromptBudget,
		RequestsPerMinute: cfg.LLM().RequestsPerMinute,
		Timeout:           cfg.LLM().APITimeout,
	}, logger)
	return o, client, nil
}
