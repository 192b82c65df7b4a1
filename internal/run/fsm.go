package run

import (
	"context"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventAppender receives the synthetic events the FSM emits on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, runID string, event *schema.Event) error
}

type hookKey struct {
	from, to schema.RunStatus
}

// ValidTransitions defines the allowed run state transitions.
// Terminal states have no exits.
var ValidTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued: {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning: {
		schema.RunStatusSuccess,
		schema.RunStatusError,
		schema.RunStatusCancelled,
		schema.RunStatusTimedOut,
		schema.RunStatusPartialSuccess,
	},
	schema.RunStatusSuccess:        {},
	schema.RunStatusError:          {},
	schema.RunStatusCancelled:      {},
	schema.RunStatusTimedOut:       {},
	schema.RunStatusPartialSuccess: {},
}

// FSM validates run transitions and emits the synthetic terminal events
// (run.failed, run.cancelled, run.timed_out). run.started and run.completed
// come from the interpreter itself.
type FSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewFSM creates an FSM that emits events via the given appender.
func NewFSM(appender EventAppender) *FSM {
	return &FSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *FSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from → to and emits the matching event with result as
// its payload. The caller persists the new status.
func (f *FSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, result any) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := transitionEventType(to); eventType != "" && f.appender != nil {
		ev := &schema.Event{Type: eventType, Result: result}
		if err := f.appender.AppendEvent(ctx, runID, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from → to is in the transition table.
func IsValidTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusError:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusTimedOut:
		return schema.EventRunTimedOut
	default:
		return ""
	}
}
