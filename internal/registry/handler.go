package registry

import (
	"context"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// HandlerCall is the input handed to a handler for one function node.
type HandlerCall struct {
	Node    schema.Node
	Key     string
	Args    map[string]any
	Payload any
	Context map[string]any
	Results map[string]any
}

// Data returns the call as an expression data object:
// payload, context, args and nodes (prior node results).
func (c HandlerCall) Data() map[string]any {
	ctxMap := c.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	nodes := c.Results
	if nodes == nil {
		nodes = map[string]any{}
	}
	return map[string]any{
		"payload": c.Payload,
		"context": ctxMap,
		"args":    args,
		"nodes":   nodes,
	}
}

// Handler implements the behaviour of a function node. The returned value
// becomes the run's new payload.
type Handler func(ctx context.Context, call HandlerCall) (any, error)

// Info describes a registered handler.
type Info struct {
	Key          string    `json:"key"`
	Source       string    `json:"source"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Source labels for handler provenance.
const (
	SourceProgrammatic = "programmatic"
	SourceBuiltin      = "builtin"
)
