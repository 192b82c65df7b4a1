package diagram

import (
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Build constructs a Model from g. When replay is non-nil every node that has
// a node.done or node.skipped event gets the matching status.
func Build(title string, g *schema.Graph, replay *store.RunReplay) *Model {
	g = g.Normalized()
	statuses := nodeStatuses(replay)

	model := &Model{
		Title: title,
		Nodes: make([]*Node, 0, len(g.Nodes)),
		Edges: make([]Edge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		model.Nodes = append(model.Nodes, &Node{
			ID:     n.ID,
			Label:  nodeLabel(n),
			Kind:   kindOf(n.Kind),
			Status: statuses[n.ID],
		})
	}
	for _, e := range g.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label})
	}
	return model
}

func nodeStatuses(replay *store.RunReplay) map[string]string {
	out := map[string]string{}
	if replay == nil {
		return out
	}
	for _, ev := range replay.Events {
		switch ev.Type {
		case schema.EventNodeDone:
			if engine.IsErrorResult(ev.Result) {
				out[ev.NodeID] = StatusFailed
			} else {
				out[ev.NodeID] = StatusDone
			}
		case schema.EventNodeSkipped:
			out[ev.NodeID] = StatusSkipped
		}
	}
	return out
}

// nodeLabel prefers the authored name, then the handler key, then the ID.
func nodeLabel(n schema.Node) string {
	switch {
	case n.Data.Name != "":
		return n.Data.Name
	case n.Kind == schema.KindFunction && n.Key != "":
		return n.Key
	default:
		return n.ID
	}
}

func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.KindStart:
		return NodeKindStart
	case schema.KindFunction:
		return NodeKindFunction
	case schema.KindCondition:
		return NodeKindCondition
	case schema.KindEnd:
		return NodeKindEnd
	default:
		return NodeKindOther
	}
}
