package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/registry"
)

func newHandlersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "Load the plugin directories and list the registered handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			reg, err := newRegistry(rootOpts.cfg, st, newLogger(rootOpts.cfg, cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			report, err := reg.Reload(ctx)
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"handlers": reg.List(),
				"builtins": registry.BuiltinKeys(),
				"issues":   report.Issues,
			})
		},
	}
}
