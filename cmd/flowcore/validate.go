package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/validation"
)

var errInvalidFlow = errors.New("flow graph is invalid")

func newValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <graph.json|graph.yaml|->",
		Short: "Validate a flow graph",
		Long: `Validate a flow graph against the structural rules and the stored template
and provider catalog. Prints the validation result as JSON and exits non-zero
when the graph has errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			g, _, err := readGraphFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := validation.ValidateFlowGraph(ctx, g, validation.Options{
				Strict:  strict,
				Loaders: validation.FromStore(st),
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Ok() {
				return errInvalidFlow
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat unknown templates and providers as errors")
	return cmd
}
