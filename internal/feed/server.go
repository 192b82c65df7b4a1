// Package feed serves the HTTP surface of a flowcore process: live run event
// streams over Server-Sent Events, run lookup and cancellation, Prometheus
// metrics and a health probe.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultHeartbeat is the interval of SSE keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Runs is the run manager surface the feed needs. Satisfied by *run.Manager.
type Runs interface {
	Get(ctx context.Context, runID string) (*store.Run, error)
	Subscribe(ctx context.Context, runID string) (<-chan schema.Event, error)
	Cancel(ctx context.Context, runID, reason string) (*store.Run, error)
}

// Deps holds the dependencies for the feed server.
type Deps struct {
	Runs    Runs
	Hub     streaming.EventHub // global live feed; nil disables GET /events
	Metrics http.Handler       // nil disables GET /metrics
	Logger  *slog.Logger

	Heartbeat time.Duration
}

// Server serves the feed routes.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = DefaultHeartbeat
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)

	// SSE streams.
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /events", s.handleLiveEvents)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
