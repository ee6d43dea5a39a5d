// Package cli holds the scada command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/logger"
)

// Version is stamped at build time with -ldflags "-X github.com/eddielth/scada-core/cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the scada root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scada",
		Short: "SCADA runtime core",
		Long: `Runtime core of a small SCADA system: point store, controller
reconciliation, alarm evaluation, audit events, a historian and a
WebSocket/REST surface for operator screens.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration file; defaults and SCADA_* env vars when empty")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewRollupCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// loadConfig reads the configuration and installs the configured logger.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	l := cfg.Logger
	if err := logger.InitFromConfig(l.Level, l.FilePath, l.MaxSize, l.MaxBackups, l.Console); err != nil {
		return nil, err
	}
	return cfg, nil
}
