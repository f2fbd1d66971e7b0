package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/observability"
	"github.com/xkilldash9x/partscout/internal/service"
	"github.com/xkilldash9x/partscout/internal/store"
)

// appState is filled by the root command before any subcommand runs.
type appState struct {
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger

	factory   service.ComponentFactory
	opener    func(startURL string) service.PageOpener
	openStore func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.StateStore, error)
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&appState{
		factory:   service.NewComponentFactory(),
		opener:    service.ChromePage,
		openStore: service.InitializeStore,
	})
}

func newRootCommand(state *appState) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "partscout",
		Short:         "partscout drives a parts catalog in Chrome until it finds what you asked for.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(state.cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "partscout"})
				return err
			}
			if state.logLevel != "" {
				cfg.LoggerCfg.Level = state.logLevel
			}
			state.cfg = cfg
			observability.InitializeLogger(cfg.Logger())
			state.logger = observability.GetLogger()
			state.logger.Debug("Starting partscout", zap.String("version", Version))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&state.cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.partscout/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "override logger.level")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(state),
		newServeCmd(state),
		newReplayCmd(state),
		newStatusCmd(state),
		newLogsCmd(state),
		newConfigCmd(state),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// loadConfig reads the config file, if any, and PARTSCOUT_ environment
// variables on top of the defaults.
func loadConfig(cfgFile string) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.partscout")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PARTSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.NewConfigFromViper(v)
}
