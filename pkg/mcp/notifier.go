package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// RunNotifier pushes a run's terminal event to the MCP session that started it.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier for runs started through s.
func NewRunNotifier(s *Server) *RunNotifier {
	return &RunNotifier{mcpServer: s.mcpServer, sessions: s.sessions, logger: s.logger}
}

// Notify sends ev to the run's session.
// Best-effort: returns nil if the run has no session or the session is gone.
func (n *RunNotifier) Notify(_ context.Context, ev schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	n.sessions.Forget(ev.RunID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "flowcore",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Run forwards terminal events from hub until ctx ends.
func (n *RunNotifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{
		schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled, schema.EventRunTimedOut,
	}})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.Warn("run notification failed", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
			}
		}
	}
}
