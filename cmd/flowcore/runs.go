package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func newRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and cancel runs",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsShowCommand(rootOpts))
	cmd.AddCommand(newRunsCancelCommand(rootOpts))
	return cmd
}

func newRunsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flowRef string
		status  string
		active  bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.RunFilter{FlowRef: flowRef, Active: active, Limit: limit}
			if status != "" {
				s := schema.RunStatus(status)
				filter.Status = &s
			}
			runs, err := st.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*store.Run{}
			}
			return writeJSON(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&flowRef, "flow", "", "only runs of this flow")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().BoolVar(&active, "active", false, "only queued and running runs")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	return cmd
}

func newRunsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and the state rebuilt from its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			replay, err := store.NewEventLog(st).ReplayRun(ctx, r.ID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"run": r, "replay": replay})
		},
	}
}

func newRunsCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, rootOpts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.runs.Cancel(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "why the run is cancelled")
	return cmd
}
