package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func newFlowsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage stored flows",
	}
	cmd.AddCommand(newFlowsSaveCommand(rootOpts))
	cmd.AddCommand(newFlowsListCommand(rootOpts))
	cmd.AddCommand(newFlowsEnableCommand(rootOpts))
	cmd.AddCommand(newFlowsDisableCommand(rootOpts))
	return cmd
}

func newFlowsSaveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		name     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "save <id> <graph.json|graph.yaml|->",
		Short: "Validate and store a flow graph",
		Long: `Validate a flow graph and store it under id. An invalid graph is rejected
and the validation result is printed instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			g, raw, err := readGraphFile(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := validation.ValidateFlowGraph(ctx, g, validation.Options{Loaders: validation.FromStore(st)})
			if err != nil {
				return err
			}
			if !res.Ok() {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return errInvalidFlow
			}

			flow := &store.Flow{ID: args[0], Name: name, Graph: raw, Enabled: !disabled}
			if existing, err := st.GetFlow(ctx, flow.ID); err == nil {
				flow.CreatedAt = existing.CreatedAt
			}
			if err := st.SaveFlow(ctx, flow); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"flow": flow, "validation": res})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the flow disabled")
	return cmd
}

func newFlowsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		enabledOnly bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			flows, err := st.ListFlows(ctx, store.FlowFilter{EnabledOnly: enabledOnly, Limit: limit})
			if err != nil {
				return err
			}

			type flowSummary struct {
				ID             string `json:"id"`
				Name           string `json:"name,omitempty"`
				Enabled        bool   `json:"enabled"`
				DisabledReason string `json:"disabled_reason,omitempty"`
			}
			out := make([]flowSummary, 0, len(flows))
			for _, f := range flows {
				out = append(out, flowSummary{ID: f.ID, Name: f.Name, Enabled: f.Enabled, DisabledReason: f.DisabledReason})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled flows")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of flows")
	return cmd
}

func newFlowsEnableCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Re-enable a flow after checking it is valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := enableFlow(ctx, st, args[0])
			if err != nil {
				if res != nil && !res.Ok() {
					_ = writeJSON(cmd.OutOrStdout(), res)
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

// enableFlow validates the stored graph under the current catalog and enables
// the flow only if it is valid.
func enableFlow(ctx context.Context, st *store.LibSQLStore, id string) (*schema.ValidationResult, error) {
	flow, err := st.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := flow.ParseGraph()
	if err != nil {
		return nil, err
	}
	res, err := validation.ValidateFlowGraph(ctx, g, validation.Options{Loaders: validation.FromStore(st)})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return res, errInvalidFlow
	}
	return res, st.SetFlowEnabled(ctx, id, true, "")
}

func newFlowsDisableCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			return st.SetFlowEnabled(ctx, args[0], false, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "disabled via cli", "why the flow is disabled")
	return cmd
}
