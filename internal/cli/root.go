// Package cli implements the cmdbus command line tool
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by every subcommand
type RootOptions struct {
	ConfigPath string
	Backend    string
	LogLevel   string
}

// NewRootCommand creates the cmdbus root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cmdbus",
		Short: "Multi-tenant event-sourced command bus",
		Long: `Run commands against event-sourced aggregates, tail tenant
streams, or serve the bus over HTTP. The calculator aggregate is registered.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(
		&opts.ConfigPath, "config", "c", "", "YAML configuration file",
	)
	cmd.PersistentFlags().StringVar(
		&opts.Backend, "backend", "", "store backend (memory|bolt|redis|postgres)",
	)
	cmd.PersistentFlags().StringVar(
		&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)",
	)

	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// config loads the configuration file and applies flag overrides
func (o *RootOptions) config() (*Config, error) {
	cfg, err := LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, nil
}

func (o *RootOptions) app(ctx context.Context) (*app, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}
