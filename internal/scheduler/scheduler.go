// Package scheduler starts runs of stored flows whose start node declares a
// cron schedule in args.schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/internal/graph"
	"github.com/rendis/flowcore/internal/run"
	"github.com/rendis/flowcore/internal/store"
)

// DefaultTickInterval is how often enabled flows are checked for due schedules.
const DefaultTickInterval = 30 * time.Second

// FlowSource lists stored flows. Satisfied by *store.LibSQLStore.
type FlowSource interface {
	ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error)
}

// Runner executes one flow run to completion. Satisfied by *run.Manager.
type Runner interface {
	Execute(ctx context.Context, req run.Request) (*store.Run, error)
}

type entry struct {
	expr     string
	schedule cron.Schedule
	next     time.Time
}

// Scheduler polls the flow store and runs flows whose schedule is due.
// A flow never has two scheduled runs in flight at once.
type Scheduler struct {
	flows    FlowSource
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	entriesMu sync.Mutex
	entries   map[string]*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // flow IDs with a scheduled run executing
	wg         sync.WaitGroup
}

// NewScheduler creates a new Scheduler. A non-positive interval uses DefaultTickInterval.
func NewScheduler(flows FlowSource, runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		flows:    flows,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick refreshes the schedule table from the store and fires due flows.
func (s *Scheduler) tick(ctx context.Context) {
	flows, err := s.flows.ListFlows(ctx, store.FlowFilter{EnabledOnly: true})
	if err != nil {
		s.logger.Error("failed to list flows", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	seen := make(map[string]bool, len(flows))

	for _, f := range flows {
		expr, ok := scheduleOf(f)
		if !ok {
			continue
		}
		seen[f.ID] = true

		e, err := s.entryFor(f.ID, expr, now)
		if err != nil {
			s.logger.Warn("invalid flow schedule",
				slog.String("flow_id", f.ID),
				slog.String("schedule", expr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if e.next.After(now) {
			continue
		}

		s.entriesMu.Lock()
		e.next = e.schedule.Next(now)
		s.entriesMu.Unlock()

		if !s.tryAcquire(f.ID) {
			s.logger.Debug("scheduled run still in flight", slog.String("flow_id", f.ID))
			continue
		}
		s.fire(ctx, f, now)
	}

	s.entriesMu.Lock()
	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
	s.entriesMu.Unlock()
}

// entryFor returns the flow's schedule entry, (re)creating it when the
// expression changed. A new entry first fires at the next matching time.
func (s *Scheduler) entryFor(flowID, expr string, now time.Time) (*entry, error) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()

	if e, ok := s.entries[flowID]; ok && e.expr == expr {
		return e, nil
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		delete(s.entries, flowID)
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	e := &entry{expr: expr, schedule: schedule, next: schedule.Next(now)}
	s.entries[flowID] = e
	return e, nil
}

func (s *Scheduler) fire(ctx context.Context, f *store.Flow, now time.Time) {
	g, err := f.ParseGraph()
	if err != nil {
		s.releaseFlow(f.ID)
		s.logger.Error("scheduled flow graph does not parse", slog.String("flow_id", f.ID), slog.String("error", err.Error()))
		return
	}

	s.logger.Info("running scheduled flow", slog.String("flow_id", f.ID), slog.String("name", f.Name))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseFlow(f.ID)

		r, err := s.runner.Execute(ctx, run.Request{
			FlowRef: f.ID,
			Graph:   g,
			Context: map[string]any{
				"trigger":      "schedule",
				"flow_id":      f.ID,
				"scheduled_at": now.Format(time.RFC3339),
			},
		})
		if err != nil {
			s.logger.Error("scheduled run failed", slog.String("flow_id", f.ID), slog.String("error", err.Error()))
			return
		}
		s.logger.Info("scheduled run finished",
			slog.String("flow_id", f.ID),
			slog.String("run_id", r.ID),
			slog.String("status", string(r.Status)),
		)
	}()
}

// scheduleOf returns the cron expression in the start node's args.schedule.
func scheduleOf(f *store.Flow) (string, bool) {
	g, err := f.ParseGraph()
	if err != nil {
		return "", false
	}
	start, ok := graph.Build(g).StartNode()
	if !ok {
		return "", false
	}
	expr, _ := start.Data.Args["schedule"].(string)
	return expr, expr != ""
}

// NextRun returns when the flow's schedule fires next, if it is scheduled.
func (s *Scheduler) NextRun(flowID string) (time.Time, bool) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	e, ok := s.entries[flowID]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// tryAcquire returns true and marks the flow as in-flight if no scheduled run of it is executing.
func (s *Scheduler) tryAcquire(flowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[flowID]; ok {
		return false
	}
	s.inflight[flowID] = struct{}{}
	return true
}

// releaseFlow removes the flow from the in-flight set.
func (s *Scheduler) releaseFlow(flowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, flowID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for scheduled runs in flight.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}
