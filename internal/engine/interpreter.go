package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/registry"
	"github.com/rendis/flowcore/internal/tracing"
	"github.com/rendis/flowcore/pkg/schema"
)

// Resolver looks up handlers by normalized key. Satisfied by *registry.Registry.
type Resolver interface {
	Resolve(key string) (registry.Handler, bool)
}

// EventFunc receives every event in emission order. A non-nil error aborts the run.
type EventFunc func(ev schema.Event) error

// Config holds interpreter settings.
type Config struct {
	// NodeTimeout bounds each handler call. Zero means no bound.
	NodeTimeout time.Duration
}

// Engine interprets flow graphs. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	resolver Resolver
	sandbox  *expressions.Sandbox
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the interpreter configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records node durations and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. A nil sandbox gets a default one.
func New(resolver Resolver, sandbox *expressions.Sandbox, opts ...Option) *Engine {
	if sandbox == nil {
		sandbox = expressions.NewSandbox()
	}
	e := &Engine{
		resolver: resolver,
		sandbox:  sandbox,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the state of one RunFlow call.
type run struct {
	ix             *graph.Index
	initialContext map[string]any
	msg            *Message
	onEvent        EventFunc
}

// RunFlow walks g from its start node. Nodes are taken from a FIFO queue and
// each executes at most once. Per-node failures become error-shaped payloads;
// RunFlow itself fails only for a structurally unusable graph, cancellation of
// ctx between nodes, or an onEvent error.
func (e *Engine) RunFlow(ctx context.Context, g *schema.Graph, initialContext map[string]any, initial *Message, onEvent EventFunc) (_ *Message, err error) {
	ix := graph.Build(g)
	if ix.Empty() {
		return nil, schema.NewError(schema.ErrCodeStructural, "flow graph has no nodes")
	}
	start, ok := ix.StartNode()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeStructural, "flow graph has no start node")
	}

	ctx, span := tracing.StartSpan(ctx, "flowcore.run_flow", tracing.RunID(logging.RunID(ctx)))
	defer func() { tracing.EndSpan(span, err) }()

	r := &run{
		ix:             ix,
		initialContext: initialContext,
		msg:            newMessage(initialContext, initial),
		onEvent:        onEvent,
	}

	if err := e.emit(r, schema.Event{Type: schema.EventRunStarted}); err != nil {
		return r.msg, err
	}

	queue := []string{start.ID}
	visited := make(map[string]bool, len(ix.Nodes))

	for len(queue) > 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.msg, schema.NewError(schema.ErrCodeCancelled, "run cancelled before next node").
				WithNode(queue[0]).WithCause(ctxErr)
		}

		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := ix.Node(id)
		if !ok {
			continue
		}

		next, err := e.execNode(ctx, r, node)
		if err != nil {
			return r.msg, err
		}
		queue = append(queue, next...)
	}

	if err := e.emit(r, schema.Event{Type: schema.EventRunCompleted, Result: r.msg.Payload}); err != nil {
		return r.msg, err
	}
	return r.msg, nil
}

// emit stamps ev and hands it to the sink. Results are made JSON-encodable.
func (e *Engine) emit(r *run, ev schema.Event) error {
	ev.TS = e.now().UTC()
	ev.Result = expressions.JSONSafe(ev.Result)
	if r.onEvent == nil {
		return nil
	}
	return r.onEvent(ev)
}

// targets returns the target IDs of all valid outgoing edges of id.
func targets(ix *graph.Index, id string) []string {
	edges := ix.Outgoing(id)
	out := make([]string, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.Target)
	}
	return out
}
