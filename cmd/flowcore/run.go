package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/pkg/schema"
)

type runOptions struct {
	flowID  string
	context string
	payload string
	events  bool
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [graph.json|graph.yaml|-]",
		Short: "Run a flow graph or a stored flow and print the finished run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (opts.flowID == "") {
				return errors.New("pass either a graph file or --flow")
			}
			return runFlow(cmd, rootOpts, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.flowID, "flow", "", "ID of a stored flow to run")
	cmd.Flags().StringVar(&opts.context, "context", "", "initial context as a JSON object")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "initial payload as JSON")
	cmd.Flags().BoolVar(&opts.events, "events", false, "include the run's event log in the output")
	return cmd
}

func runFlow(cmd *cobra.Command, rootOpts *RootOptions, opts *runOptions, args []string) error {
	ctx := cmd.Context()

	runCtx, err := parseJSONObject("context", opts.context)
	if err != nil {
		return err
	}
	var msg *engine.Message
	if opts.payload != "" {
		var payload any
		if err := json.Unmarshal([]byte(opts.payload), &payload); err != nil {
			return fmt.Errorf("--payload must be JSON: %w", err)
		}
		msg = &engine.Message{Payload: payload}
	}

	a, err := newApp(ctx, rootOpts.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	req := run.Request{FlowRef: opts.flowID, Context: runCtx, Message: msg}
	if opts.flowID != "" {
		flow, err := a.store.GetFlow(ctx, opts.flowID)
		if err != nil {
			return err
		}
		if !flow.Enabled {
			return fmt.Errorf("flow %s is disabled: %s", flow.ID, flow.DisabledReason)
		}
		if req.Graph, err = flow.ParseGraph(); err != nil {
			return err
		}
	} else {
		if req.Graph, _, err = readGraphFile(args[0], cmd.InOrStdin()); err != nil {
			return err
		}
	}

	r, err := a.runs.Execute(ctx, req)
	if err != nil {
		return err
	}

	out := map[string]any{"run": r}
	if opts.events {
		events, err := a.store.GetEvents(ctx, r.ID, 0)
		if err != nil {
			return err
		}
		out["events"] = events
	}
	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if r.Status != schema.RunStatusSuccess {
		return fmt.Errorf("run %s finished with status %s", r.ID, r.Status)
	}
	return nil
}
