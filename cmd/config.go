package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(state *appState) *cobra.Command {
	var showSecrets bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Prints the configuration after defaults, the config file and PARTSCOUT_*
environment variables are merged. Credentials are masked unless
--show-secrets is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := state.cfg.Redacted()
			if showSecrets {
				out = *state.cfg
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials in clear text")
	return configCmd
}
