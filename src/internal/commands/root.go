package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maksimkurb/fwsync/src/internal/config"
	"github.com/maksimkurb/fwsync/src/internal/core"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

const DefaultConfigPath = "/etc/fwsync/fwsync.toml"

// AppContext carries global flags and the lazily built dependencies shared by
// every command of one invocation.
type AppContext struct {
	ConfigPath string
	Verbose    bool

	// BackendFactory overrides general.backend when set.
	BackendFactory core.BackendFactory

	deps *core.AppDependencies
}

// NewRootCmd builds the fwsync command tree.
func NewRootCmd(app *AppContext, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fwsync",
		Short:         "fwsync - keeps host firewall rules in sync with a ban list",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetVerbose(app.Verbose)
		},
	}

	cmd.PersistentFlags().StringVarP(&app.ConfigPath, "config", "c", DefaultConfigPath, "Path to configuration file")
	cmd.PersistentFlags().BoolVarP(&app.Verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		NewServeCmd(app),
		NewBlockCmd(app),
		NewUnblockCmd(app),
		NewAllowCmd(app),
		NewBlockRangesCmd(app),
		NewListCmd(app),
		NewCheckCmd(app),
		NewDeleteRuleCmd(app),
		NewTruncateCmd(app),
		NewUpgradeConfigCmd(app),
	)
	return cmd
}

// loadAndValidateConfigOrFail loads configuration from file and validates it.
func loadAndValidateConfigOrFail(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if upgraded, _ := cfg.UpgradeConfig(); upgraded {
		log.Warnf("Configuration %s uses an old format, run \"fwsync upgrade-config\" to rewrite it", configPath)
	}

	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Dependencies loads the configuration and builds the firewall once.
func (a *AppContext) Dependencies(ctx context.Context) (*core.AppDependencies, error) {
	if a.deps != nil {
		return a.deps, nil
	}

	cfg, err := loadAndValidateConfigOrFail(a.ConfigPath)
	if err != nil {
		return nil, err
	}
	log.Init(cfg.General.LogFormat)

	deps, err := core.NewAppDependencies(ctx, core.AppConfig{
		Config:         cfg,
		BackendFactory: a.BackendFactory,
	})
	if err != nil {
		return nil, err
	}
	a.deps = deps
	return deps, nil
}
