package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func branchGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g, err := schema.ParseGraph([]byte(`{
		"nodes":[
			{"id":"start","type":"start"},
			{"id":"check","type":"condition","data":{"name":"Big order?","conditions":[{"name":"big","condition":"payload.total > 100"}]}},
			{"id":"notify-team","type":"function","data":{"templateKey":"tmpl_Send Email"}},
			{"id":"log","type":"function","data":{"templateKey":"log"}},
			{"id":"done","type":"end"}
		],
		"edges":[
			{"source":"start","target":"check"},
			{"source":"check","target":"notify-team","label":"big"},
			{"source":"check","target":"log","label":"small"},
			{"source":"notify-team","target":"done"}
		]
	}`))
	require.NoError(t, err)
	return g
}

func TestBuild(t *testing.T) {
	model := Build("orders", branchGraph(t), nil)

	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindCondition, model.Nodes[1].Kind)
	assert.Equal(t, "Big order?", model.Nodes[1].Label)
	assert.Equal(t, "send_email", model.Nodes[2].Label)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)
	for _, n := range model.Nodes {
		assert.Empty(t, n.Status)
	}

	require.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: "check", To: "notify-team", Label: "big"}, model.Edges[1])
}

func TestBuild_RunOverlay(t *testing.T) {
	replay := &store.RunReplay{Events: []schema.Event{
		{Type: schema.EventRunStarted},
		{Type: schema.EventNodeDone, NodeID: "start"},
		{Type: schema.EventNodeDone, NodeID: "check", Result: map[string]any{"branch": "big"}},
		{Type: schema.EventNodeDone, NodeID: "notify-team", Result: map[string]any{
			"error": map[string]any{"code": "HANDLER_FAILED", "message": "smtp down"},
		}},
		{Type: schema.EventNodeSkipped, NodeID: "done"},
		{Type: schema.EventRunCompleted},
	}}

	model := Build("", branchGraph(t), replay)

	status := map[string]string{}
	for _, n := range model.Nodes {
		status[n.ID] = n.Status
	}
	assert.Equal(t, StatusDone, status["start"])
	assert.Equal(t, StatusDone, status["check"])
	assert.Equal(t, StatusFailed, status["notify-team"])
	assert.Equal(t, StatusSkipped, status["done"])
	assert.Empty(t, status["log"])
}

func TestRenderMermaid(t *testing.T) {
	output := RenderMermaid(Build("orders", branchGraph(t), nil))

	assert.Contains(t, output, "graph TD\n")
	assert.Contains(t, output, "%% orders")
	assert.Contains(t, output, `start(("start"))`)
	assert.Contains(t, output, `check{"Big order?"}`)
	assert.Contains(t, output, `notify_team["send_email"]`)
	assert.Contains(t, output, "check -->|big| notify_team")
	assert.Contains(t, output, "start --> check")
	assert.Contains(t, output, "classDef done")
	assert.NotContains(t, output, "class start")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	replay := &store.RunReplay{Events: []schema.Event{
		{Type: schema.EventNodeDone, NodeID: "start"},
		{Type: schema.EventNodeSkipped, NodeID: "log"},
	}}

	output := RenderMermaid(Build("", branchGraph(t), replay))
	assert.Contains(t, output, "class start done")
	assert.Contains(t, output, "class log skipped")
	assert.NotContains(t, output, "%%")
}

func TestMermaidEscaping(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
	assert.Equal(t, "say 'hi' / bye", mermaidEscapeLabel(`say "hi" | bye`))
	assert.Equal(t, "first", firstLine("first\nsecond"))
}
