package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, flowRef string) *Run {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		FlowRef:   flowRef,
		Status:    schema.RunStatusRunning,
		StartedAt: &now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Migration Tests ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSplitStatements(t *testing.T) {
	script := "-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE TABLE b (y INT); "
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (y INT)", stmts[1])
}

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, "flow-1")
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "flow-1", got.FlowRef)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestCreateRun_Duplicate(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "flow-1")

	err := s.CreateRun(context.Background(), &Run{ID: run.ID, FlowRef: "flow-1", Status: schema.RunStatusRunning})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	status := schema.RunStatusSuccess
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:     &status,
		Result:     json.RawMessage(`{"ok":true}`),
		FinishedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.NotNil(t, got.FinishedAt)

	err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &status})
	assert.True(t, IsNotFound(err))
}

func TestUpdateRun_NoFields(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateRun(context.Background(), "anything", RunUpdate{}))
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s, "flow-a")
	seedRun(t, s, "flow-a")
	seedRun(t, s, "flow-b")

	done := schema.RunStatusCancelled
	require.NoError(t, s.UpdateRun(ctx, r1.ID, RunUpdate{Status: &done}))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	flowA, err := s.ListRuns(ctx, RunFilter{FlowRef: "flow-a"})
	require.NoError(t, err)
	assert.Len(t, flowA, 2)

	active, err := s.ListRuns(ctx, RunFilter{FlowRef: "flow-a", Active: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, r1.ID, active[0].ID)

	cancelled, err := s.ListRuns(ctx, RunFilter{Status: &done})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, r1.ID, cancelled[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Flow Tests ---

func TestSaveAndGetFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := &Flow{
		ID:      "f1",
		Name:    "Order intake",
		Graph:   json.RawMessage(`{"nodes":[{"id":"start","type":"start"}],"edges":[]}`),
		Enabled: true,
	}
	require.NoError(t, s.SaveFlow(ctx, flow))

	got, err := s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Order intake", got.Name)
	assert.True(t, got.Enabled)

	g, err := got.ParseGraph()
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, schema.KindStart, g.Nodes[0].Kind)

	flow.Name = "Order intake v2"
	require.NoError(t, s.SaveFlow(ctx, flow))
	got, err = s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Order intake v2", got.Name)
}

func TestSaveFlow_RequiresGraph(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveFlow(context.Background(), &Flow{ID: "empty"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestSetFlowEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.SaveFlow(ctx, &Flow{ID: id, Graph: json.RawMessage(`{"nodes":[],"edges":[]}`), Enabled: true}))
	}
	require.NoError(t, s.SetFlowEnabled(ctx, "a", false, "impacted by template change"))

	got, err := s.GetFlow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "impacted by template change", got.DisabledReason)

	enabled, err := s.ListFlows(ctx, FlowFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "b", enabled[0].ID)

	require.NoError(t, s.SetFlowEnabled(ctx, "a", true, "ignored"))
	got, err = s.GetFlow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Empty(t, got.DisabledReason)

	assert.True(t, IsNotFound(s.SetFlowEnabled(ctx, "missing", false, "")))
}

// --- Template and Provider Tests ---

func TestSaveAndGetTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTemplate(ctx, &Template{
		Key:       "tmpl_Send-Email",
		Name:      "Send email",
		Provider:  "SMTP",
		ArgSchema: json.RawMessage(`{"type":"object","required":["to"]}`),
		Allowed:   true,
	}))

	got, err := s.GetTemplate(ctx, "send email")
	require.NoError(t, err)
	assert.Equal(t, "send_email", got.Key)
	assert.Equal(t, "smtp", got.Provider)
	assert.True(t, got.Allowed)
	assert.JSONEq(t, `{"type":"object","required":["to"]}`, string(got.ArgSchema))

	list, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSaveTemplate_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(s.SaveTemplate(ctx, &Template{Key: "  "})))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(s.SaveTemplate(ctx, &Template{
		Key: "x", ArgSchema: json.RawMessage(`{not json`),
	})))
}

func TestProviders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProvider(ctx, &Provider{Key: "slack", Name: "Slack"}))
	p, err := s.GetProvider(ctx, "Slack")
	require.NoError(t, err)
	assert.False(t, p.HasCredential())

	require.NoError(t, s.SaveProvider(ctx, &Provider{Key: "slack", CredentialRef: "vault:slack-bot"}))
	p, err = s.GetProvider(ctx, "slack")
	require.NoError(t, err)
	assert.True(t, p.HasCredential())

	_, err = s.GetProvider(ctx, "github")
	assert.True(t, IsNotFound(err))
}
