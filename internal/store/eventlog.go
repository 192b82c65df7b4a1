package store

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event and assigns its per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, runID string, event *schema.Event) error {
	return el.store.AppendEvent(ctx, runID, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayRun rebuilds a run's state from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*RunReplay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	replay := &RunReplay{RunID: runID, Status: schema.RunStatusQueued, Events: events}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Seq != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Seq)
		}
		replay.LastSeq = e.Seq

		// The first terminal event decides the status; later events are kept
		// in the log but do not move a finished run.
		if replay.Terminal {
			continue
		}

		switch e.Type {
		case schema.EventRunStarted:
			replay.Status = schema.RunStatusRunning
		case schema.EventNodeDone, schema.EventNodeSkipped:
			replay.Visited = append(replay.Visited, e.NodeID)
		case schema.EventRunCompleted:
			replay.Status = schema.RunStatusSuccess
			replay.Result = e.Result
		case schema.EventRunFailed:
			replay.Status = schema.RunStatusError
			replay.Result = e.Result
		case schema.EventRunCancelled:
			replay.Status = schema.RunStatusCancelled
		case schema.EventRunTimedOut:
			replay.Status = schema.RunStatusTimedOut
		}
		replay.Terminal = e.IsTerminal()
	}

	return replay, nil
}
