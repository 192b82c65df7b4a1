package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the resolved configuration for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	LogFormat  string

	cfg Config
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowcore",
		Short: "flowcore runs node-graph workflows",
		Long: `flowcore validates and runs node-graph workflows: a start node, function
nodes backed by registered handlers, and condition nodes that branch on
sandboxed expressions. Runs are persisted as append-only event logs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", settingsPath(), "settings file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides db_path)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newHandlersCommand(opts))
	cmd.AddCommand(newFlowsCommand(opts))
	cmd.AddCommand(newTemplatesCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))
	cmd.AddCommand(newDiagramCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolve loads the layered config and applies explicitly set flags on top.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.ConfigPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = o.DBPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}
