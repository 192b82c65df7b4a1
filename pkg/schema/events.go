package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the run event log.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
	EventRunTimedOut  = "run.timed_out"

	EventNodeDone    = "node.done"
	EventNodeSkipped = "node.skipped"
)

// Event is one entry of a run's ordered event stream.
// Seq and RunID are zero for events that have not been persisted yet.
type Event struct {
	Type   string    `json:"type"`
	NodeID string    `json:"nodeId,omitempty"`
	Result any       `json:"result,omitempty"`
	TS     time.Time `json:"ts"`
	Seq    int64     `json:"seq,omitempty"`
	RunID  string    `json:"runId,omitempty"`
}

// IsTerminal reports whether the event closes a run's stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunTimedOut:
		return true
	}
	return false
}

// MarshalResult encodes the event result as JSON, returning nil for a nil result.
func (e Event) MarshalResult() (json.RawMessage, error) {
	if e.Result == nil {
		return nil, nil
	}
	return json.Marshal(e.Result)
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusRunning        RunStatus = "running"
	RunStatusSuccess        RunStatus = "success"
	RunStatusError          RunStatus = "error"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusTimedOut       RunStatus = "timed_out"
	RunStatusPartialSuccess RunStatus = "partial_success"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusQueued && s != RunStatusRunning
}
