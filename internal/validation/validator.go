// Package validation checks flow graphs before they are saved or run, and
// computes which stored flows a dependency change would break.
package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Loaders are the externally owned lookups the validator consults. A nil
// loader skips its category of checks. A NOT_FOUND error, or a nil value
// with a nil error, means absent; any other error aborts validation.
type Loaders struct {
	GetTemplateByKey  func(ctx context.Context, key string) (*store.Template, error)
	IsTemplateAllowed func(ctx context.Context, key string) (bool, error)
	GetProviderByKey  func(ctx context.Context, key string) (*store.Provider, error)
	HasCredential     func(ctx context.Context, providerKey string) (bool, error)
}

// Options controls one validation.
type Options struct {
	// Strict turns template_unknown and provider_unknown into errors.
	Strict  bool
	Loaders Loaders
}

// Validator checks flow graphs. It is safe for concurrent use.
type Validator struct {
	sandbox *expressions.Sandbox
	args    *ArgSchemaValidator
}

// NewValidator creates a Validator. Arguments are rendered with a strict
// sandbox so islands that reference runtime data stay as text.
func NewValidator() *Validator {
	return &Validator{
		sandbox: expressions.NewSandbox(expressions.WithStrictVariables()),
		args:    NewArgSchemaValidator(),
	}
}

var defaultValidator = sync.OnceValue(NewValidator)

// ValidateFlowGraph validates g with a shared Validator.
func ValidateFlowGraph(ctx context.Context, g *schema.Graph, opts Options) (*schema.ValidationResult, error) {
	return defaultValidator().Validate(ctx, g, opts)
}

// Validate runs every check and accumulates issues; no check short-circuits
// another. The error is non-nil only when a loader fails.
func (v *Validator) Validate(ctx context.Context, g *schema.Graph, opts Options) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}
	ix := graph.Build(g)

	switch n := len(ix.Starts); {
	case n == 0:
		result.AddError(schema.IssueNoStart, "flow has no start node", nil)
	case n > 1:
		result.AddError(schema.IssueMultipleStarts,
			fmt.Sprintf("flow has %d start nodes, expected exactly one", n),
			map[string]any{"node_ids": ix.Starts})
	}

	for _, id := range ix.Duplicates {
		result.AddError(schema.IssueNodeDuplicate, fmt.Sprintf("node id %q is used more than once", id),
			map[string]any{"node_id": id})
	}

	for _, e := range ix.Dangling {
		var missing []string
		if _, ok := ix.Node(e.Source); !ok {
			missing = append(missing, e.Source)
		}
		if _, ok := ix.Node(e.Target); !ok {
			missing = append(missing, e.Target)
		}
		result.AddError(schema.IssueEdgeInvalid,
			fmt.Sprintf("edge %s -> %s references a missing node", e.Source, e.Target),
			map[string]any{"source": e.Source, "target": e.Target, "missing": missing})
	}

	for _, n := range ix.FunctionNodes() {
		if err := v.checkFunctionNode(ctx, n, opts, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (v *Validator) checkFunctionNode(ctx context.Context, n *schema.Node, opts Options, result *schema.ValidationResult) error {
	l := opts.Loaders
	details := map[string]any{"node_id": n.ID, "template_key": n.Key}

	if l.IsTemplateAllowed != nil && n.Key != "" {
		allowed, err := l.IsTemplateAllowed(ctx, n.Key)
		if err != nil {
			return loaderErr("IsTemplateAllowed", n.Key, err)
		}
		if !allowed {
			result.AddError(schema.IssueTemplateNotAllowed,
				fmt.Sprintf("node %s uses template %q, which is not allowed", n.ID, n.Key), details)
		}
	}

	if l.GetTemplateByKey == nil {
		return nil
	}

	var tpl *store.Template
	if n.Key != "" {
		var err error
		tpl, err = l.GetTemplateByKey(ctx, n.Key)
		if err != nil && !absent(err) {
			return loaderErr("GetTemplateByKey", n.Key, err)
		}
	}
	if tpl == nil {
		msg := fmt.Sprintf("node %s references unknown template %q", n.ID, n.Key)
		if n.Key == "" {
			msg = fmt.Sprintf("function node %s has no template key", n.ID)
		}
		addBySeverity(result, opts.Strict, schema.IssueTemplateUnknown, msg, details)
		return nil
	}

	if len(tpl.ArgSchema) > 0 {
		v.checkArgs(ctx, n, tpl, result)
	}

	if tpl.Provider != "" && l.GetProviderByKey != nil {
		p, err := l.GetProviderByKey(ctx, tpl.Provider)
		if err != nil && !absent(err) {
			return loaderErr("GetProviderByKey", tpl.Provider, err)
		}
		pd := map[string]any{"node_id": n.ID, "template_key": n.Key, "provider": tpl.Provider}
		if p == nil {
			addBySeverity(result, opts.Strict, schema.IssueProviderUnknown,
				fmt.Sprintf("template %q declares unknown provider %q", n.Key, tpl.Provider), pd)
			return nil
		}
		if l.HasCredential != nil {
			ok, err := l.HasCredential(ctx, p.Key)
			if err != nil {
				return loaderErr("HasCredential", p.Key, err)
			}
			if !ok {
				result.AddError(schema.IssueCredentialMissing,
					fmt.Sprintf("provider %q used by node %s has no credential", p.Key, n.ID), pd)
			}
		}
	}
	return nil
}

// checkArgs renders the node's args against an empty context and checks them
// against the template's schema.
func (v *Validator) checkArgs(ctx context.Context, n *schema.Node, tpl *store.Template, result *schema.ValidationResult) {
	rendered, _ := v.sandbox.DeepRender(ctx, n.Data.Args, map[string]any{})
	args, _ := rendered.(map[string]any)

	violations, err := v.args.Validate(args, tpl.ArgSchema)
	details := map[string]any{"node_id": n.ID, "template_key": n.Key}
	if err != nil {
		details["error"] = err.Error()
		result.AddError(schema.IssueArgsInvalid,
			fmt.Sprintf("template %q has an invalid argument schema", n.Key), details)
		return
	}
	if len(violations) == 0 {
		return
	}
	details["violations"] = violations
	msg := fmt.Sprintf("node %s arguments do not match template %q: %s", n.ID, n.Key, violations[0])
	if len(violations) > 1 {
		msg = fmt.Sprintf("node %s arguments do not match template %q (%d violations)", n.ID, n.Key, len(violations))
	}
	result.AddError(schema.IssueArgsInvalid, msg, details)
}

func addBySeverity(result *schema.ValidationResult, strict bool, code, msg string, details map[string]any) {
	if strict {
		result.AddError(code, msg, details)
		return
	}
	result.AddWarning(code, msg, details)
}

func absent(err error) bool {
	return schema.ErrorCode(err) == schema.ErrCodeNotFound
}

func loaderErr(loader, key string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s(%q): %s", loader, key, err.Error()).WithCause(err)
}
