package expressions

import "context"

// Engine evaluates one expression against a data object.
// Implementations: Sandbox (expr), CELEngine (cel), GoJQEngine (jq).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
