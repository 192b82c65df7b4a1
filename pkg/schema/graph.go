package schema

import (
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// NodeKind is the closed set of node behaviours the interpreter knows about.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindFunction  NodeKind = "function"
	KindCondition NodeKind = "condition"
	KindEnd       NodeKind = "end"
	KindLoop      NodeKind = "loop"
	KindFlow      NodeKind = "flow"
	KindUnknown   NodeKind = "unknown"
)

// keyPrefixes are stripped (at most one) by NormalizeKey.
var keyPrefixes = []string{"tmpl_", "template_", "fn_", "node_"}

// Graph is a user-authored flow: nodes connected by directed edges.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one vertex of a flow graph. Kind and Key are derived by Normalize.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type,omitempty"`
	Data NodeData `json:"data"`

	Kind NodeKind `json:"-"`
	Key  string   `json:"-"`
}

// NodeData is the authored payload of a node.
type NodeData struct {
	Name        string          `json:"name,omitempty"`
	TemplateKey string          `json:"templateKey,omitempty"`
	Template    *TemplateRef    `json:"template,omitempty"`
	Args        map[string]any  `json:"args,omitempty"`
	Conditions  []ConditionItem `json:"conditions,omitempty"`
}

// TemplateRef is the node-template object attached to a node.
type TemplateRef struct {
	ID   string `json:"id,omitempty"`
	Key  string `json:"key,omitempty"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// ConditionItem is one named guard of a condition node.
type ConditionItem struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
}

// Edge connects two nodes. Label selects the branch taken out of a condition node.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// ParseGraph decodes a JSON flow graph and normalizes it.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid flow graph JSON").WithCause(err)
	}
	return g.Normalized(), nil
}

// Normalized returns a copy of g whose nodes carry their derived Kind and Key.
// The receiver is not modified, so a shared graph can be normalized concurrently.
func (g *Graph) Normalized() *Graph {
	if g == nil {
		return &Graph{}
	}
	out := &Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: append([]Edge(nil), g.Edges...),
	}
	for i, n := range g.Nodes {
		n.Kind = DeriveKind(n)
		n.Key = ResolveTemplateKey(n)
		out.Nodes[i] = n
	}
	return out
}

// DeriveKind computes a node's kind from its template object, falling back to
// the node type. A node with a template reference but no kind is a function.
func DeriveKind(n Node) NodeKind {
	var candidates []string
	if n.Data.Template != nil {
		candidates = append(candidates, n.Data.Template.Kind)
	}
	candidates = append(candidates, n.Type)

	for _, c := range candidates {
		if k := kindFromString(c); k != KindUnknown {
			return k
		}
	}
	if n.Data.TemplateKey != "" || (n.Data.Template != nil && (n.Data.Template.Key != "" || n.Data.Template.ID != "")) {
		return KindFunction
	}
	return KindUnknown
}

func kindFromString(s string) NodeKind {
	switch NormalizeKey(s) {
	case "start", "trigger":
		return KindStart
	case "function", "action":
		return KindFunction
	case "condition", "branch":
		return KindCondition
	case "end":
		return KindEnd
	case "loop":
		return KindLoop
	case "flow", "subflow":
		return KindFlow
	}
	return KindUnknown
}

// ResolveTemplateKey returns the normalized handler key for a node, taken from
// the first non-empty of: explicit templateKey, template key/id/name, node name.
func ResolveTemplateKey(n Node) string {
	candidates := []string{n.Data.TemplateKey}
	if t := n.Data.Template; t != nil {
		candidates = append(candidates, t.Key, t.ID, t.Name)
	}
	candidates = append(candidates, n.Data.Name)

	for _, c := range candidates {
		if k := NormalizeKey(c); k != "" {
			return k
		}
	}
	return ""
}

// NormalizeKey canonicalizes a template or handler key: Unicode case folding,
// removal of one known prefix, then every run of non-alphanumeric characters
// collapsed to "_" with leading and trailing underscores trimmed.
func NormalizeKey(key string) string {
	s := cases.Fold().String(strings.TrimSpace(key))
	for _, p := range keyPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
