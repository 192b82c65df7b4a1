package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

type fakeRuns struct {
	runs   map[string]*store.Run
	events map[string][]schema.Event
}

func (f *fakeRuns) Get(_ context.Context, id string) (*store.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return r, nil
}

func (f *fakeRuns) Subscribe(ctx context.Context, id string) (<-chan schema.Event, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	ch := make(chan schema.Event, len(f.events[id]))
	for _, ev := range f.events[id] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeRuns) Cancel(_ context.Context, id, reason string) (*store.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if r.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> cancelled", r.Status)
	}
	r.Status = schema.RunStatusCancelled
	r.Error = json.RawMessage(`{"reason":"` + reason + `"}`)
	return r, nil
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		runs: map[string]*store.Run{
			"done": {ID: "done", Status: schema.RunStatusSuccess},
			"live": {ID: "live", Status: schema.RunStatusRunning},
		},
		events: map[string][]schema.Event{
			"done": {
				{Type: schema.EventRunStarted, Seq: 1, RunID: "done"},
				{Type: schema.EventNodeDone, NodeID: "start", Seq: 2, RunID: "done"},
				{Type: schema.EventRunCompleted, Seq: 3, RunID: "done", Result: map[string]any{"ok": true}},
			},
		},
	}
}

type sseMessage struct {
	id, event, data string
}

func readSSE(t *testing.T, body *bufio.Reader, n int) []sseMessage {
	t.Helper()
	var out []sseMessage
	cur := sseMessage{}
	for len(out) < n {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
			}
			cur = sseMessage{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/done")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, schema.RunStatusSuccess, run.Status)

	missing, err := http.Get(srv.URL + "/runs/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCancelRun(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns()}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs/live/cancel", "application/json", strings.NewReader(`{"reason":"stop"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
	assert.JSONEq(t, `{"reason":"stop"}`, string(run.Error))

	again, err := http.Post(srv.URL+"/runs/done/cancel", "application/json", nil)
	require.NoError(t, err)
	defer again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestRunEvents_SSE(t *testing.T) {
	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/done/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	msgs := readSSE(t, bufio.NewReader(resp.Body), 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{msgs[0].id, msgs[1].id, msgs[2].id})
	assert.Equal(t, schema.EventRunCompleted, msgs[2].event)

	var ev schema.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[2].data), &ev))
	assert.Equal(t, map[string]any{"ok": true}, ev.Result)

	missing, err := http.Get(srv.URL + "/runs/nope/events")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestLiveEvents_SSE(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns(), Hub: hub, Heartbeat: time.Hour}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?type=" + schema.EventNodeDone)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventRunStarted, RunID: "r", Seq: 1}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventNodeDone, RunID: "r", NodeID: "a", Seq: 2}))

	msgs := readSSE(t, bufio.NewReader(resp.Body), 1)
	assert.Equal(t, schema.EventNodeDone, msgs[0].event)
	assert.Equal(t, "2", msgs[0].id)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RunFinished("success")

	srv := httptest.NewServer(NewServer(Deps{Runs: newFakeRuns(), Metrics: m.Handler()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(strings.Builder)
	_, err = bufio.NewReader(resp.Body).WriteTo(body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `flowcore_runs_total{status="success"} 1`)
}
