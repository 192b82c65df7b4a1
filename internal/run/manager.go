// Package run drives flow executions through their lifecycle: it persists
// every interpreter event, fans it out to live subscribers and owns the run
// status transitions.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// Store is the persistence the manager needs. Satisfied by *store.LibSQLStore.
type Store interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	AppendEvent(ctx context.Context, runID string, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]schema.Event, error)
}

// Interpreter executes one flow graph. Satisfied by *engine.Engine.
type Interpreter interface {
	RunFlow(ctx context.Context, g *schema.Graph, initialContext map[string]any, initial *engine.Message, onEvent engine.EventFunc) (*engine.Message, error)
}

// Config holds run manager settings.
type Config struct {
	// PoolSize bounds how many runs started with Start execute at once.
	PoolSize int
	// RunTimeout bounds a whole run. Zero means no bound.
	RunTimeout time.Duration
}

const (
	// DefaultPoolSize is used when Config.PoolSize is not positive.
	DefaultPoolSize = 8
	// DefaultPollInterval is how often a subscription rereads the event log
	// while the hub is quiet.
	DefaultPollInterval = 250 * time.Millisecond
)

// Request describes one execution.
type Request struct {
	FlowRef string
	Graph   *schema.Graph
	Context map[string]any
	Message *engine.Message
}

var (
	errRunTimeout   = errors.New("run deadline exceeded")
	errRunCancelled = errors.New("run cancelled")
)

// activeRun is the in-memory state of a run owned by this manager.
type activeRun struct {
	mu     sync.Mutex // serializes status changes and event recording
	status schema.RunStatus
	cancel context.CancelCauseFunc
}

// Manager owns run lifecycles. It is safe for concurrent use.
type Manager struct {
	store   Store
	interp  Interpreter
	hub     streaming.EventHub
	fsm     *FSM
	pool    *WorkerPool
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time

	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]*activeRun
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the manager configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithHub sets the hub live events are published to.
func WithHub(hub streaming.EventHub) Option {
	return func(m *Manager) { m.hub = hub }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics counts finished runs by status.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. Without WithHub a private MemoryHub is used.
func NewManager(st Store, interp Interpreter, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		interp: interp,
		logger: slog.Default(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*activeRun),

		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.hub == nil {
		m.hub = streaming.NewMemoryHub()
	}
	if m.cfg.PoolSize <= 0 {
		m.cfg.PoolSize = DefaultPoolSize
	}

	m.fsm = NewFSM(recorder{m})
	for from, targets := range ValidTransitions {
		for _, to := range targets {
			if to.IsTerminal() {
				m.fsm.OnAfter(from, to, m.countFinished)
			}
		}
	}

	m.pool = NewWorkerPool(m.cfg.PoolSize, func(r any) {
		m.logger.Error("run worker panicked", slog.Any("panic", r))
	})
	return m
}

func (m *Manager) countFinished(_, to schema.RunStatus) error {
	m.metrics.RunFinished(string(to))
	return nil
}

// Hub returns the hub live events are published to.
func (m *Manager) Hub() streaming.EventHub { return m.hub }

// Execute creates a run in running state and drives the interpreter to
// completion on the calling goroutine. The returned error is non-nil only
// when persistence fails; interpreter failures are reported through the
// run's status and its run.failed event.
func (m *Manager) Execute(ctx context.Context, req Request) (*store.Run, error) {
	run, err := m.create(ctx, req.FlowRef, schema.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, run.ID, req)
}

// Start creates a queued run and dispatches it to the worker pool. It blocks
// while the pool is saturated and returns the run ID once dispatched. The run
// outlives ctx.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	run, err := m.create(ctx, req.FlowRef, schema.RunStatusQueued)
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	err = m.pool.Submit(ctx, func(context.Context) error {
		_, err := m.execute(bg, run.ID, req)
		return err
	})
	if err != nil {
		if _, cerr := m.Cancel(bg, run.ID, "dispatch failed: "+err.Error()); cerr != nil {
			m.logger.Warn("could not cancel undispatched run", slog.String("run_id", run.ID), slog.String("error", cerr.Error()))
		}
		m.forget(run.ID)
		return "", err
	}
	return run.ID, nil
}

// Wait blocks until every run dispatched with Start has finished.
func (m *Manager) Wait() { m.pool.Wait() }

// Shutdown stops accepting new runs and waits for dispatched ones.
func (m *Manager) Shutdown() { m.pool.Shutdown() }

// PoolMetrics returns the worker pool counters.
func (m *Manager) PoolMetrics() PoolMetrics { return m.pool.Metrics() }

// Get returns the persisted run.
func (m *Manager) Get(ctx context.Context, runID string) (*store.Run, error) {
	return m.store.GetRun(ctx, runID)
}

// Cancel moves a non-terminal run to cancelled and appends run.cancelled.
// The interpreter is not preempted mid-node; it stops before its next node.
// Cancelling a finished run returns INVALID_TRANSITION.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	persistCtx := context.WithoutCancel(ctx)
	result := map[string]any{"reason": reason}

	m.mu.Lock()
	ar := m.active[runID]
	m.mu.Unlock()

	if ar == nil {
		// Not owned by this process: only the persisted status moves.
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := m.fsm.Transition(persistCtx, runID, run.Status, schema.RunStatusCancelled, result); err != nil {
			return nil, err
		}
		return m.finish(persistCtx, runID, schema.RunStatusCancelled, nil, result)
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if err := m.fsm.Transition(persistCtx, runID, ar.status, schema.RunStatusCancelled, result); err != nil {
		return nil, err
	}
	ar.status = schema.RunStatusCancelled
	if ar.cancel != nil {
		ar.cancel(errRunCancelled)
	}
	logging.LogWith(logging.WithRunID(ctx, runID), m.logger).Info("run cancelled", slog.String("reason", reason))
	return m.finish(persistCtx, runID, schema.RunStatusCancelled, nil, result)
}

// CancelFlowRuns cancels every non-terminal run of flowRef and returns how
// many were cancelled.
func (m *Manager) CancelFlowRuns(ctx context.Context, flowRef, reason string) (int, error) {
	runs, err := m.store.ListRuns(ctx, store.RunFilter{FlowRef: flowRef, Active: true})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list active runs of %s", flowRef).WithCause(err)
	}
	n := 0
	for _, r := range runs {
		if _, err := m.Cancel(ctx, r.ID, reason); err != nil {
			// Finished in the meantime.
			if schema.ErrorCode(err) == schema.ErrCodeInvalidTransition {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Subscribe streams a run's events: the persisted history first, then live
// events from the hub. Each sequence number is delivered once and in order.
// The channel closes after the first terminal event or when ctx ends.
func (m *Manager) Subscribe(ctx context.Context, runID string) (<-chan schema.Event, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	// Subscribe before reading history so nothing falls between the two.
	live, unsubscribe, err := m.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	history, err := m.store.GetEvents(ctx, runID, 0)
	if err != nil {
		unsubscribe()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read run events: %s", err.Error()).WithCause(err)
	}

	out := make(chan schema.Event, 16)
	go func() {
		defer close(out)
		defer unsubscribe()

		var last int64
		send := func(ev schema.Event) bool {
			select {
			case out <- ev:
				last = ev.Seq
				return !ev.IsTerminal()
			case <-ctx.Done():
				return false
			}
		}

		backfill := func() bool {
			missed, err := m.store.GetEvents(ctx, runID, last)
			if err != nil {
				m.logger.Warn("backfill run events failed", slog.String("run_id", runID), slog.String("error", err.Error()))
				return false
			}
			for _, ev := range missed {
				if !send(ev) {
					return false
				}
			}
			return true
		}

		for _, ev := range history {
			if !send(ev) {
				return
			}
		}

		poll := time.NewTicker(m.pollInterval)
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq <= last {
					continue
				}
				if ev.Seq == last+1 {
					if !send(ev) {
						return
					}
					continue
				}
				// The hub dropped events for this subscriber: backfill from the log.
				if !backfill() {
					return
				}
			case <-poll.C:
				// A dropped terminal event leaves no gap to notice.
				if !backfill() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Manager) create(ctx context.Context, flowRef string, status schema.RunStatus) (*store.Run, error) {
	now := m.now()
	run := &store.Run{
		ID:        m.newID(),
		FlowRef:   flowRef,
		Status:    status,
		CreatedAt: now,
	}
	if status == schema.RunStatusRunning {
		run.StartedAt = &now
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	m.mu.Lock()
	m.active[run.ID] = &activeRun{status: status}
	m.mu.Unlock()
	return run, nil
}

func (m *Manager) forget(runID string) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, runID string, req Request) (*store.Run, error) {
	defer m.forget(runID)

	m.mu.Lock()
	ar := m.active[runID]
	m.mu.Unlock()

	ctx = logging.WithFlowID(logging.WithRunID(ctx, runID), req.FlowRef)
	logger := logging.LogWith(ctx, m.logger)
	persistCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if m.cfg.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, m.cfg.RunTimeout, errRunTimeout)
		defer cancelTimeout()
	}

	if err := m.begin(persistCtx, runID, ar, cancel); err != nil {
		if errors.Is(err, errRunCancelled) {
			return m.store.GetRun(persistCtx, runID)
		}
		return nil, err
	}
	logger.Info("run started")

	onEvent := func(ev schema.Event) error {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		return m.record(persistCtx, runID, &ev)
	}
	msg, runErr := m.interp.RunFlow(runCtx, req.Graph, req.Context, req.Message, onEvent)

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if ar.status.IsTerminal() {
		logger.Info("run finished after cancellation", slog.Any("interpreter_error", runErr))
		return m.store.GetRun(persistCtx, runID)
	}

	to, result, storeErr := m.outcome(ctx, runCtx, msg, runErr)
	if err := m.fsm.Transition(persistCtx, runID, ar.status, to, result); err != nil && storeErr == nil {
		storeErr = err
	}
	ar.status = to

	var errPayload any
	if to != schema.RunStatusSuccess {
		errPayload = result
		result = nil
	}
	run, err := m.finish(persistCtx, runID, to, result, errPayload)
	if err != nil && storeErr == nil {
		storeErr = err
	}

	if storeErr != nil {
		logger.Error("run persistence failed", slog.String("status", string(to)), slog.String("error", storeErr.Error()))
	} else {
		logger.Info("run finished", slog.String("status", string(to)))
	}
	return run, storeErr
}

// begin moves a queued run to running. A run cancelled while queued is not executed.
func (m *Manager) begin(ctx context.Context, runID string, ar *activeRun, cancel context.CancelCauseFunc) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	ar.cancel = cancel
	switch ar.status {
	case schema.RunStatusRunning:
		return nil
	case schema.RunStatusQueued:
		if err := m.fsm.Transition(ctx, runID, ar.status, schema.RunStatusRunning, nil); err != nil {
			return err
		}
		ar.status = schema.RunStatusRunning
		status, now := schema.RunStatusRunning, m.now()
		if err := m.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status, StartedAt: &now}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "mark run running: %s", err.Error()).WithCause(err)
		}
		return nil
	default:
		return errRunCancelled
	}
}

// outcome maps the interpreter's return to a terminal status and its payload.
func (m *Manager) outcome(parent, runCtx context.Context, msg *engine.Message, runErr error) (schema.RunStatus, any, error) {
	switch {
	case runErr == nil:
		var payload any
		if msg != nil {
			payload = msg.Payload
		}
		return schema.RunStatusSuccess, payload, nil
	case errors.Is(context.Cause(runCtx), errRunTimeout):
		return schema.RunStatusTimedOut, map[string]any{
			"message":    fmt.Sprintf("run exceeded %s", m.cfg.RunTimeout),
			"timeout_ms": m.cfg.RunTimeout.Milliseconds(),
		}, nil
	case parent.Err() != nil:
		return schema.RunStatusCancelled, map[string]any{"reason": parent.Err().Error()}, nil
	case schema.ErrorCode(runErr) == schema.ErrCodeStore:
		return schema.RunStatusError, errorPayload(runErr), runErr
	default:
		return schema.RunStatusError, errorPayload(runErr), nil
	}
}

// finish persists a terminal status together with its result or error payload.
func (m *Manager) finish(ctx context.Context, runID string, status schema.RunStatus, result, errPayload any) (*store.Run, error) {
	now := m.now()
	update := store.RunUpdate{Status: &status, FinishedAt: &now}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal run result: %s", err.Error()).WithCause(err)
		}
		update.Result = raw
	}
	if errPayload != nil {
		raw, err := json.Marshal(errPayload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal run error: %s", err.Error()).WithCause(err)
		}
		update.Error = raw
	}
	if err := m.store.UpdateRun(ctx, runID, update); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reload run: %s", err.Error()).WithCause(err)
	}
	return run, nil
}

// record persists ev and then publishes it. The caller holds the run's lock
// so hub order matches sequence order.
func (m *Manager) record(ctx context.Context, runID string, ev *schema.Event) error {
	if err := m.store.AppendEvent(ctx, runID, ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", ev.Type, err.Error()).WithCause(err)
	}
	if err := m.hub.Publish(ctx, *ev); err != nil {
		m.logger.Debug("hub publish failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	return nil
}

// recorder adapts Manager.record to the FSM's EventAppender.
type recorder struct{ m *Manager }

func (r recorder) AppendEvent(ctx context.Context, runID string, ev *schema.Event) error {
	return r.m.record(ctx, runID, ev)
}

func errorPayload(err error) map[string]any {
	code := schema.ErrorCode(err)
	if code == "" {
		code = schema.ErrCodeStructural
	}
	out := map[string]any{"code": code, "message": err.Error()}
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.NodeID != "" {
		out["node_id"] = fe.NodeID
	}
	return out
}
