package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"flowcore.validate",
		"flowcore.run",
		"flowcore.status",
		"flowcore.cancel",
		"flowcore.handlers",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"validate", "flowcore.validate", "Validate a flow graph and report errors and warnings"},
		{"run", "flowcore.run", "Run a flow graph or a stored flow"},
		{"status", "flowcore.status", "Get a run and its events"},
		{"cancel", "flowcore.cancel", "Cancel a queued or running run"},
		{"handlers", "flowcore.handlers", "List registered function handlers and built-ins"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestStatusToolRequiresRunID(t *testing.T) {
	s := NewServer(ServerDeps{})
	tool := s.mcpServer.GetTool("flowcore.status")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.InputSchema.Required, "run_id")
}
