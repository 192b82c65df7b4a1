package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/registry"
	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// handleValidate validates an inline graph or a stored flow.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, _, errResult := s.graphArg(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	res, err := s.validator.Validate(ctx, g, validation.Options{
		Strict:  req.GetBool("strict", false),
		Loaders: s.loaders,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleRun executes a graph. By default it waits and returns the finished
// run together with the nodes whose result is an error value.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, flowRef, errResult := s.graphArg(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	runReq := run.Request{
		FlowRef: flowRef,
		Graph:   g,
		Context: mcp.ParseStringMap(req, "context", nil),
	}
	if msg := mcp.ParseStringMap(req, "message", nil); msg != nil {
		m, err := decodeMessage(msg)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid message: %v", err)), nil
		}
		runReq.Message = m
	}

	if !req.GetBool("wait", true) {
		runID, err := s.runs.Start(ctx, runReq)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start run failed: %v", err)), nil
		}
		s.captureSession(ctx, runID)
		return marshalResult(map[string]any{"run_id": runID, "status": schema.RunStatusQueued})
	}

	r, err := s.runs.Execute(ctx, runReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	out := map[string]any{"run": r}
	if s.store != nil {
		events, err := s.store.GetEvents(ctx, r.ID, 0)
		if err == nil {
			out["failed_nodes"] = failedNodes(events)
		}
	}
	return marshalResult(out)
}

// handleStatus returns a run and its events.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}

	out := map[string]any{"run": r}
	if s.store != nil {
		events, err := s.store.GetEvents(ctx, runID, int64(req.GetInt("since", 0)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event lookup failed: %v", err)), nil
		}
		if events == nil {
			events = []schema.Event{}
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	r, err := s.runs.Cancel(ctx, runID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(r)
}

// handleHandlers lists registered handlers and the built-in keys.
func (s *Server) handleHandlers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := []registry.Info{}
	if s.handlers != nil {
		infos = append(infos, s.handlers.List()...)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	return marshalResult(map[string]any{
		"handlers": infos,
		"builtins": registry.BuiltinKeys(),
	})
}

// --- Helpers ---

// graphArg resolves the graph argument or the stored flow named by flow_id.
// It returns the flow ref to record on runs.
func (s *Server) graphArg(ctx context.Context, req mcp.CallToolRequest) (*schema.Graph, string, *mcp.CallToolResult) {
	if raw := mcp.ParseStringMap(req, "graph", nil); raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
		}
		g, err := schema.ParseGraph(b)
		if err != nil {
			return nil, "", mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
		}
		return g, req.GetString("flow_id", ""), nil
	}

	flowID := req.GetString("flow_id", "")
	if flowID == "" {
		return nil, "", mcp.NewToolResultError("one of graph or flow_id is required")
	}
	if s.store == nil {
		return nil, "", mcp.NewToolResultError("stored flows are not available")
	}
	flow, err := s.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, "", mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err))
	}
	if !flow.Enabled {
		return nil, "", mcp.NewToolResultError(fmt.Sprintf("flow %s is disabled: %s", flowID, flow.DisabledReason))
	}
	g, err := flow.ParseGraph()
	if err != nil {
		return nil, "", mcp.NewToolResultError(fmt.Sprintf("stored flow graph is invalid: %v", err))
	}
	return g, flowID, nil
}

func decodeMessage(raw map[string]any) (*engine.Message, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m engine.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// failedNodes returns the IDs of nodes whose result is an error value.
func failedNodes(events []schema.Event) []string {
	out := []string{}
	for _, ev := range events {
		if ev.Type == schema.EventNodeDone && engine.IsErrorResult(ev.Result) {
			out = append(out, ev.NodeID)
		}
	}
	return out
}

// captureSession maps the run to the calling MCP session for completion notifications.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
