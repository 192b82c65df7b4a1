package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/registry"
	"github.com/rendis/flowcore/internal/tracing"
	"github.com/rendis/flowcore/pkg/schema"
)

// Outcome labels for node metrics.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// execNode runs one node body, emits its event and returns the IDs to enqueue.
func (e *Engine) execNode(ctx context.Context, r *run, node *schema.Node) ([]string, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	ctx, span := tracing.StartSpan(ctx, "flowcore.node",
		tracing.NodeID(node.ID),
		tracing.NodeKind(string(node.Kind)),
	)
	started := e.now()

	var (
		next    []string
		outcome string
		err     error
	)
	switch node.Kind {
	case schema.KindStart:
		outcome, err = e.execStart(ctx, r, node)
		next = targets(r.ix, node.ID)
	case schema.KindCondition:
		next, err = e.execCondition(ctx, r, node)
		outcome = outcomeOK
	case schema.KindFunction:
		outcome, err = e.execFunction(ctx, r, node)
		next = targets(r.ix, node.ID)
	default:
		outcome = outcomeSkipped
		err = e.emit(r, schema.Event{Type: schema.EventNodeSkipped, NodeID: node.ID})
		next = targets(r.ix, node.ID)
	}

	e.metrics.ObserveNode(string(node.Kind), outcome, e.now().Sub(started))
	tracing.EndSpan(span, err)
	return next, err
}

// execStart renders the start node's args for audit. The payload is untouched.
func (e *Engine) execStart(ctx context.Context, r *run, node *schema.Node) (string, error) {
	var rendered any
	if len(node.Data.Args) > 0 {
		var islandErrs []expressions.IslandError
		rendered, islandErrs = e.sandbox.DeepRender(ctx, node.Data.Args, renderData(r.initialContext, r.msg))
		e.logIslandErrors(ctx, node, islandErrs)
		r.msg.Results[node.ID] = rendered
	}
	return outcomeOK, e.emit(r, schema.Event{Type: schema.EventNodeDone, NodeID: node.ID, Result: rendered})
}

// execCondition picks the first truthy item and returns only the targets of
// edges labelled with its name.
func (e *Engine) execCondition(ctx context.Context, r *run, node *schema.Node) ([]string, error) {
	data := renderData(r.initialContext, r.msg)
	logger := logging.LogWith(ctx, e.logger)

	branch := ""
	for _, item := range node.Data.Conditions {
		matched, err := e.conditionMatches(ctx, item.Condition, data)
		if err != nil {
			logger.Warn("condition item evaluation failed",
				slog.String("branch", item.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if matched {
			branch = item.Name
			break
		}
	}

	var result any
	if branch != "" {
		result = map[string]any{"branch": branch}
		r.msg.Results[node.ID] = result
	}
	if err := e.emit(r, schema.Event{Type: schema.EventNodeDone, NodeID: node.ID, Result: result}); err != nil {
		return nil, err
	}
	if branch == "" {
		logger.Debug("no condition item matched")
		return nil, nil
	}

	var next []string
	for _, edge := range r.ix.Outgoing(node.ID) {
		if edge.Label == branch {
			next = append(next, edge.Target)
		}
	}
	return next, nil
}

func (e *Engine) conditionMatches(ctx context.Context, raw string, data map[string]any) (bool, error) {
	if expression, ok := expressions.IsIsland(raw); ok {
		v, err := e.sandbox.Evaluate(ctx, expression, data)
		if err != nil {
			return false, err
		}
		return expressions.Truthy(v), nil
	}

	text := strings.TrimSpace(raw)
	switch text {
	case "true":
		return true, nil
	case "", "false", "0":
		return false, nil
	}

	if strings.Contains(text, "{{") {
		res := e.sandbox.RenderTemplate(ctx, text, data)
		if !res.Ok() {
			return false, res.Errors[0]
		}
		return expressions.Truthy(res.Text), nil
	}

	v, err := e.sandbox.Evaluate(ctx, text, data)
	if err != nil {
		return false, err
	}
	return expressions.Truthy(v), nil
}

// execFunction dispatches the node to its handler. Every failure becomes an
// error-shaped payload.
func (e *Engine) execFunction(ctx context.Context, r *run, node *schema.Node) (string, error) {
	data := renderData(r.initialContext, r.msg)
	rendered, islandErrs := e.sandbox.DeepRender(ctx, node.Data.Args, data)
	e.logIslandErrors(ctx, node, islandErrs)
	args, _ := rendered.(map[string]any)

	result, callErr := e.dispatch(ctx, r, node, args)
	result = expressions.JSONSafe(result)
	outcome := outcomeOK
	if callErr != nil {
		outcome = outcomeError
		code := schema.ErrorCode(callErr)
		if code == "" {
			code = schema.ErrCodeHandlerFailed
		}
		logging.LogWith(ctx, e.logger).Warn("function node failed",
			slog.String("template_key", node.Key),
			slog.String("code", code),
			slog.String("error", callErr.Error()),
		)
		result = errorResult(code, callErr.Error(), node.ID, node.Key)
	}

	r.msg.Payload = result
	r.msg.Results[node.ID] = result
	return outcome, e.emit(r, schema.Event{Type: schema.EventNodeDone, NodeID: node.ID, Result: result})
}

func (e *Engine) dispatch(ctx context.Context, r *run, node *schema.Node, args map[string]any) (any, error) {
	handler, ok := e.lookup(node.Key)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerNotFound, "no handler for template key %q", node.Key).
			WithNode(node.ID)
	}

	results := make(map[string]any, len(r.msg.Results))
	for k, v := range r.msg.Results {
		results[k] = v
	}
	call := registry.HandlerCall{
		Node:    *node,
		Key:     node.Key,
		Args:    args,
		Payload: r.msg.Payload,
		Context: r.msg.Context,
		Results: results,
	}

	hctx, span := tracing.StartSpan(ctx, "flowcore.handler", tracing.HandlerKey(node.Key))
	out, err := e.invoke(hctx, handler, call)
	tracing.EndSpan(span, err)
	return out, err
}

func (e *Engine) lookup(key string) (registry.Handler, bool) {
	if key == "" {
		return nil, false
	}
	if e.resolver != nil {
		if h, ok := e.resolver.Resolve(key); ok && h != nil {
			return h, true
		}
	}
	return registry.Builtin(key)
}

type callResult struct {
	out any
	err error
}

// invoke calls the handler, converting panics into HANDLER_FAILED. With a
// node timeout the call runs on its own goroutine and is abandoned when the
// deadline passes.
func (e *Engine) invoke(ctx context.Context, handler registry.Handler, call registry.HandlerCall) (any, error) {
	if e.cfg.NodeTimeout <= 0 {
		res := safeCall(ctx, handler, call)
		return res.out, res.err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() { done <- safeCall(callCtx, handler, call) }()

	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during handler call").
				WithNode(call.Node.ID).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeNodeTimeout, "handler %q exceeded %s", call.Key, e.cfg.NodeTimeout).
			WithNode(call.Node.ID).
			WithDetails(map[string]any{"timeout_ms": e.cfg.NodeTimeout.Milliseconds()})
	}
}

func safeCall(ctx context.Context, handler registry.Handler, call registry.HandlerCall) (res callResult) {
	defer func() {
		if p := recover(); p != nil {
			res = callResult{err: schema.NewErrorf(schema.ErrCodeHandlerFailed, "handler panicked: %v", p).
				WithNode(call.Node.ID)}
		}
	}()
	out, err := handler(ctx, call)
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			err = schema.NewError(schema.ErrCodeHandlerFailed, err.Error()).WithNode(call.Node.ID).WithCause(err)
		}
		return callResult{err: err}
	}
	return callResult{out: out}
}

func (e *Engine) logIslandErrors(ctx context.Context, node *schema.Node, errs []expressions.IslandError) {
	if len(errs) == 0 {
		return
	}
	logger := logging.LogWith(ctx, e.logger)
	for _, ie := range errs {
		logger.Warn("argument island failed", slog.String("island", ie.Island), slog.String("error", ie.Err.Error()))
	}
}
