package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/diagram"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func newDiagramCommand(rootOpts *RootOptions) *cobra.Command {
	var flowID, runID string

	cmd := &cobra.Command{
		Use:   "diagram [graph.json|graph.yaml|-]",
		Short: "Render a flow graph as a Mermaid flowchart",
		Long: `Render a flow graph as a Mermaid flowchart. The graph comes from a file,
from a stored flow (--flow) or from the flow a run belongs to (--run). With
--run every node is coloured by its outcome in that run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && flowID == "" && runID == "" {
				return errors.New("pass a graph file, --flow or --run")
			}

			var (
				g      *schema.Graph
				title  = flowID
				replay *store.RunReplay
				err    error
			)
			if len(args) == 1 {
				if g, _, err = readGraphFile(args[0], cmd.InOrStdin()); err != nil {
					return err
				}
				title = args[0]
			}

			if flowID != "" || runID != "" {
				st, err := openStore(ctx, rootOpts.cfg)
				if err != nil {
					return err
				}
				defer st.Close()

				if runID != "" {
					r, err := st.GetRun(ctx, runID)
					if err != nil {
						return err
					}
					if replay, err = store.NewEventLog(st).ReplayRun(ctx, r.ID); err != nil {
						return err
					}
					if flowID == "" && g == nil {
						if r.FlowRef == "" {
							return fmt.Errorf("run %s has no stored flow; pass the graph file", r.ID)
						}
						flowID = r.FlowRef
					}
					title = fmt.Sprintf("run %s (%s)", r.ID, r.Status)
				}
				if g == nil {
					flow, err := st.GetFlow(ctx, flowID)
					if err != nil {
						return err
					}
					if g, err = flow.ParseGraph(); err != nil {
						return err
					}
				}
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(diagram.Build(title, g, replay)))
			return err
		},
	}

	cmd.Flags().StringVar(&flowID, "flow", "", "ID of a stored flow")
	cmd.Flags().StringVar(&runID, "run", "", "overlay the node outcomes of this run")
	return cmd
}
