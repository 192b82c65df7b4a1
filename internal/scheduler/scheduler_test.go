package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// --- Test helpers ---

type mockFlows struct {
	mu    sync.Mutex
	flows []*store.Flow
}

func (m *mockFlows) ListFlows(_ context.Context, filter store.FlowFilter) ([]*store.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Flow
	for _, f := range m.flows {
		if filter.EnabledOnly && !f.Enabled {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *mockFlows) set(flows ...*store.Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = flows
}

type mockRunner struct {
	mu    sync.Mutex
	reqs  []run.Request
	block chan struct{}
}

func (r *mockRunner) Execute(ctx context.Context, req run.Request) (*store.Run, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return &store.Run{ID: "run-" + req.FlowRef, FlowRef: req.FlowRef, Status: schema.RunStatusSuccess}, nil
}

func (r *mockRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func scheduledFlow(id, expr string, enabled bool) *store.Flow {
	g := map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start", "data": map[string]any{"args": map[string]any{"schedule": expr}}},
			map[string]any{"id": "f", "type": "function", "data": map[string]any{"templateKey": "noop"}},
		},
		"edges": []any{map[string]any{"source": "start", "target": "f"}},
	}
	raw, _ := json.Marshal(g)
	return &store.Flow{ID: id, Name: id, Graph: raw, Enabled: enabled}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(flows *mockFlows, runner *mockRunner) (*Scheduler, *clock) {
	s := NewScheduler(flows, runner, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	s.now = c.now
	return s, c
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(&mockFlows{}, &mockRunner{}, 0, nil)
	from := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"0 12 * * *", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			next, err := s.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestScheduleOf(t *testing.T) {
	expr, ok := scheduleOf(scheduledFlow("a", "*/5 * * * *", true))
	assert.True(t, ok)
	assert.Equal(t, "*/5 * * * *", expr)

	_, ok = scheduleOf(&store.Flow{ID: "b", Graph: json.RawMessage(`{"nodes":[{"id":"start","type":"start"}],"edges":[]}`)})
	assert.False(t, ok)

	_, ok = scheduleOf(&store.Flow{ID: "c", Graph: json.RawMessage(`{broken`)})
	assert.False(t, ok)
}

func TestTick_FiresWhenDue(t *testing.T) {
	flows := &mockFlows{}
	flows.set(scheduledFlow("every-minute", "* * * * *", true))
	runner := &mockRunner{}
	s, c := newTestScheduler(flows, runner)
	ctx := context.Background()

	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, 0, runner.count(), "a new schedule waits for its next slot")

	next, ok := s.NextRun("every-minute")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), next)

	c.advance(time.Minute)
	s.tick(ctx)
	s.wg.Wait()
	require.Equal(t, 1, runner.count())

	req := runner.reqs[0]
	assert.Equal(t, "every-minute", req.FlowRef)
	assert.Equal(t, "schedule", req.Context["trigger"])
	require.NotNil(t, req.Graph)
	assert.Len(t, req.Graph.Nodes, 2)

	next, _ = s.NextRun("every-minute")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), next)
}

func TestTick_SkipsDisabledAndInvalid(t *testing.T) {
	flows := &mockFlows{}
	flows.set(
		scheduledFlow("off", "* * * * *", false),
		scheduledFlow("bad", "every now and then", true),
	)
	runner := &mockRunner{}
	s, c := newTestScheduler(flows, runner)

	s.tick(context.Background())
	c.advance(2 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 0, runner.count())
	_, ok := s.NextRun("off")
	assert.False(t, ok)
	_, ok = s.NextRun("bad")
	assert.False(t, ok)
}

func TestTick_InFlightDedup(t *testing.T) {
	flows := &mockFlows{}
	flows.set(scheduledFlow("slow", "* * * * *", true))
	runner := &mockRunner{block: make(chan struct{})}
	s, c := newTestScheduler(flows, runner)
	ctx := context.Background()

	s.tick(ctx)
	c.advance(time.Minute)
	s.tick(ctx)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)

	c.advance(time.Minute)
	s.tick(ctx)
	assert.Equal(t, 1, runner.count(), "second run skipped while the first is in flight")

	close(runner.block)
	s.wg.Wait()

	c.advance(time.Minute)
	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, 2, runner.count())
}

func TestTick_ScheduleChangeAndRemoval(t *testing.T) {
	flows := &mockFlows{}
	flows.set(scheduledFlow("f", "0 * * * *", true))
	s, _ := newTestScheduler(flows, &mockRunner{})

	s.tick(context.Background())
	next, _ := s.NextRun("f")
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	flows.set(scheduledFlow("f", "*/10 * * * *", true))
	s.tick(context.Background())
	next, _ = s.NextRun("f")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC), next)

	flows.set()
	s.tick(context.Background())
	_, ok := s.NextRun("f")
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(&mockFlows{}, &mockRunner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
