package store

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run events (append-only)
	AppendEvent(ctx context.Context, runID string, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]schema.Event, error)

	// Flows
	SaveFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error)
	SetFlowEnabled(ctx context.Context, id string, enabled bool, reason string) error

	// Templates and providers
	SaveTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, key string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	SaveProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, key string) (*Provider, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
