package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maksimkurb/fwsync/src/internal/config"
)

func NewUpgradeConfigCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-config",
		Short: "Rewrite the configuration file in the current format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(app.ConfigPath)
			if err != nil {
				return err
			}
			upgraded, err := cfg.UpgradeConfig()
			if err != nil {
				return err
			}
			if !upgraded {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is up to date")
				return nil
			}
			if err := cfg.ValidateConfig(); err != nil {
				return fmt.Errorf("upgraded configuration is invalid: %w", err)
			}
			if err := cfg.WriteConfig(); err != nil {
				return fmt.Errorf("failed to write configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration upgraded to version %d\n", cfg.ConfigVersion)
			return nil
		},
	}
}
