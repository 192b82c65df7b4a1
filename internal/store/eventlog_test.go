package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	for i := 0; i < 5; i++ {
		ev := &schema.Event{Type: schema.EventNodeDone, NodeID: "n"}
		require.NoError(t, el.AppendEvent(ctx, run.ID, ev))
		assert.Equal(t, int64(i+1), ev.Seq, "sequence should be monotonic")
		assert.Equal(t, run.ID, ev.RunID)
		assert.False(t, ev.TS.IsZero())
	}
}

func TestEventLog_SequencesArePerRun(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r1 := seedRun(t, s, "flow-1")
	r2 := seedRun(t, s, "flow-1")

	a := &schema.Event{Type: schema.EventRunStarted}
	b := &schema.Event{Type: schema.EventRunStarted}
	require.NoError(t, el.AppendEvent(ctx, r1.ID, a))
	require.NoError(t, el.AppendEvent(ctx, r2.ID, b))
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq)
}

func TestEventLog_GetEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	require.NoError(t, el.AppendEvent(ctx, run.ID, &schema.Event{Type: schema.EventRunStarted}))
	require.NoError(t, el.AppendEvent(ctx, run.ID, &schema.Event{
		Type: schema.EventNodeDone, NodeID: "f", Result: map[string]any{"total": 3},
	}))
	require.NoError(t, el.AppendEvent(ctx, run.ID, &schema.Event{Type: schema.EventRunCompleted, Result: "done"}))

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "f", events[1].NodeID)
	assert.Equal(t, map[string]any{"total": float64(3)}, events[1].Result)
	assert.Equal(t, "done", events[2].Result)
	assert.Nil(t, events[0].Result)

	since, err := el.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(2), since[0].Seq)
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, el.AppendEvent(ctx, run.ID, &schema.Event{Type: schema.EventNodeDone}))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestEventLog_ReplayRun(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	for _, ev := range []schema.Event{
		{Type: schema.EventRunStarted},
		{Type: schema.EventNodeDone, NodeID: "start"},
		{Type: schema.EventNodeSkipped, NodeID: "end"},
		{Type: schema.EventRunCancelled},
		{Type: schema.EventRunCompleted, Result: "late"},
	} {
		ev := ev
		require.NoError(t, el.AppendEvent(ctx, run.ID, &ev))
	}

	replay, err := el.ReplayRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, replay.Status, "first terminal event wins")
	assert.True(t, replay.Terminal)
	assert.Equal(t, []string{"start", "end"}, replay.Visited)
	assert.Equal(t, int64(5), replay.LastSeq)
	assert.Len(t, replay.Events, 5)
	assert.Nil(t, replay.Result)
}

func TestEventLog_ReplayRun_Empty(t *testing.T) {
	el, _ := newTestEventLog(t)
	replay, err := el.ReplayRun(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, replay.Status)
	assert.False(t, replay.Terminal)
}

func TestEventLog_ReplayRun_DetectsGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s, "flow-1")

	require.NoError(t, el.AppendEvent(ctx, run.ID, &schema.Event{Type: schema.EventRunStarted}))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, ts) VALUES (?, 3, 'node.done', CURRENT_TIMESTAMP)`, run.ID)
	require.NoError(t, err)

	_, err = el.ReplayRun(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}
