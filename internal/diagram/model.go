// Package diagram renders flow graphs, optionally overlaid with the node
// outcomes of a run, as Mermaid flowcharts.
package diagram

// NodeKind classifies a diagram node by the flow node kind it draws.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindFunction  NodeKind = "function"
	NodeKindCondition NodeKind = "condition"
	NodeKindEnd       NodeKind = "end"
	NodeKindOther     NodeKind = "other"
)

// Node statuses taken from a run's event log.
const (
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Model is the intermediate representation the renderer works from.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents one flow node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // empty when the node was not reached or no run is overlaid
}

// Edge connects two nodes. Label is the condition branch it belongs to.
type Edge struct {
	From  string
	To    string
	Label string
}
