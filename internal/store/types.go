package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Run is the persisted representation of one flow execution.
type Run struct {
	ID         string           `json:"id"`
	FlowRef    string           `json:"flow_ref"`
	Status     schema.RunStatus `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      json.RawMessage  `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RunUpdate holds optional fields for a partial run update.
type RunUpdate struct {
	Status     *schema.RunStatus
	Result     json.RawMessage
	Error      json.RawMessage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FlowRef string
	Status  *schema.RunStatus
	// Active limits the result to non-terminal runs.
	Active bool
	Limit  int
}

// Flow is a stored flow graph.
type Flow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Graph          json.RawMessage `json:"graph"`
	Enabled        bool            `json:"enabled"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ParseGraph decodes and normalizes the stored graph.
func (f *Flow) ParseGraph() (*schema.Graph, error) {
	return schema.ParseGraph(f.Graph)
}

// FlowFilter narrows ListFlows.
type FlowFilter struct {
	EnabledOnly bool
	Limit       int
}

// Template is a node template: a handler key plus its argument schema and policy.
type Template struct {
	Key       string          `json:"key"`
	Name      string          `json:"name,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	ArgSchema json.RawMessage `json:"arg_schema,omitempty"`
	Allowed   bool            `json:"allowed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Provider is an external service a template talks to.
type Provider struct {
	Key           string    `json:"key"`
	Name          string    `json:"name,omitempty"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasCredential reports whether a credential is configured for the provider.
func (p *Provider) HasCredential() bool {
	return p != nil && p.CredentialRef != ""
}

// RunReplay is a run's state reconstructed from its event log.
type RunReplay struct {
	RunID    string           `json:"run_id"`
	Status   schema.RunStatus `json:"status"`
	Events   []schema.Event   `json:"events"`
	Visited  []string         `json:"visited"`
	Result   any              `json:"result,omitempty"`
	LastSeq  int64            `json:"last_seq"`
	Terminal bool             `json:"terminal"`
}
