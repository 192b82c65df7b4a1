package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Flow is one member of the population checked by impact analysis.
type Flow struct {
	ID    string
	Graph *schema.Graph
}

// Impact is a flow that is valid under the current dependency state and
// invalid under the proposed one.
type Impact struct {
	FlowID string                   `json:"flow_id"`
	After  *schema.ValidationResult `json:"after"`
}

// Codes returns the distinct error codes that make the flow invalid, sorted.
func (i Impact) Codes() []string {
	seen := map[string]bool{}
	var codes []string
	for _, is := range i.After.Errors {
		if !seen[is.Code] {
			seen[is.Code] = true
			codes = append(codes, is.Code)
		}
	}
	sort.Strings(codes)
	return codes
}

// FlowDisabler disables a stored flow. Satisfied by *store.LibSQLStore.
type FlowDisabler interface {
	SetFlowEnabled(ctx context.Context, id string, enabled bool, reason string) error
}

// RunCanceller cancels the in-flight runs of a flow. Satisfied by *run.Manager.
type RunCanceller interface {
	CancelFlowRuns(ctx context.Context, flowRef, reason string) (int, error)
}

// ApplyResult reports what a forced ApplyImpact changed.
type ApplyResult struct {
	Disabled      []string `json:"disabled"`
	CancelledRuns int      `json:"cancelled_runs"`
}

// AnalyzeImpact validates every flow under before and after and returns the
// flows that flip from valid to invalid. Flows already invalid under before
// are not reported.
func (v *Validator) AnalyzeImpact(ctx context.Context, flows []Flow, before, after Options) ([]Impact, error) {
	var impacts []Impact
	for _, f := range flows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		was, err := v.Validate(ctx, f.Graph, before)
		if err != nil {
			return nil, err
		}
		if !was.Ok() {
			continue
		}
		now, err := v.Validate(ctx, f.Graph, after)
		if err != nil {
			return nil, err
		}
		if !now.Ok() {
			impacts = append(impacts, Impact{FlowID: f.ID, After: now})
		}
	}
	return impacts, nil
}

// AnalyzeImpact runs impact analysis with a shared Validator.
func AnalyzeImpact(ctx context.Context, flows []Flow, before, after Options) ([]Impact, error) {
	return defaultValidator().AnalyzeImpact(ctx, flows, before, after)
}

// ApplyImpact acts on an impact analysis. Without force a non-empty impact
// list blocks the change with IMPACT_BLOCKED. With force every impacted flow
// is disabled and its in-flight runs are cancelled; canceller may be nil.
func ApplyImpact(ctx context.Context, impacts []Impact, force bool, disabler FlowDisabler, canceller RunCanceller) (*ApplyResult, error) {
	res := &ApplyResult{Disabled: []string{}}
	if len(impacts) == 0 {
		return res, nil
	}

	if !force {
		ids := make([]string, len(impacts))
		for i, imp := range impacts {
			ids[i] = imp.FlowID
		}
		return nil, schema.NewErrorf(schema.ErrCodeImpactBlocked,
			"change would invalidate %d flow(s)", len(impacts)).
			WithDetails(map[string]any{"flow_ids": ids})
	}

	for _, imp := range impacts {
		reason := "invalidated by dependency change: " + strings.Join(imp.Codes(), ", ")
		if err := disabler.SetFlowEnabled(ctx, imp.FlowID, false, reason); err != nil {
			return res, schema.NewErrorf(schema.ErrCodeStore, "disable flow %s: %s", imp.FlowID, err.Error()).WithCause(err)
		}
		res.Disabled = append(res.Disabled, imp.FlowID)

		if canceller == nil {
			continue
		}
		n, err := canceller.CancelFlowRuns(ctx, imp.FlowID, reason)
		res.CancelledRuns += n
		if err != nil {
			return res, fmt.Errorf("cancel runs of flow %s: %w", imp.FlowID, err)
		}
	}
	return res, nil
}

// FlowLister lists stored flows. Satisfied by *store.LibSQLStore.
type FlowLister interface {
	ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error)
}

// LoadFlows reads the enabled flow population for impact analysis. Flows whose
// graph does not parse are returned in skipped.
func LoadFlows(ctx context.Context, lister FlowLister) (flows []Flow, skipped []string, err error) {
	stored, err := lister.ListFlows(ctx, store.FlowFilter{EnabledOnly: true})
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "list flows: %s", err.Error()).WithCause(err)
	}
	for _, f := range stored {
		g, err := f.ParseGraph()
		if err != nil {
			skipped = append(skipped, f.ID)
			continue
		}
		flows = append(flows, Flow{ID: f.ID, Graph: g})
	}
	return flows, skipped, nil
}

// TemplateSource is the template and provider lookup FromStore adapts.
// Satisfied by *store.LibSQLStore.
type TemplateSource interface {
	GetTemplate(ctx context.Context, key string) (*store.Template, error)
	GetProvider(ctx context.Context, key string) (*store.Provider, error)
}

// FromStore builds Loaders backed by persisted templates and providers. A
// template is allowed when it exists with its allowed flag set; unknown keys
// are left to template_unknown.
func FromStore(src TemplateSource) Loaders {
	return Loaders{
		GetTemplateByKey: src.GetTemplate,
		GetProviderByKey: src.GetProvider,
		IsTemplateAllowed: func(ctx context.Context, key string) (bool, error) {
			tpl, err := src.GetTemplate(ctx, key)
			if err != nil {
				if absent(err) {
					return true, nil
				}
				return false, err
			}
			return tpl.Allowed, nil
		},
		HasCredential: func(ctx context.Context, providerKey string) (bool, error) {
			p, err := src.GetProvider(ctx, providerKey)
			if err != nil {
				if absent(err) {
					return false, nil
				}
				return false, err
			}
			return p.HasCredential(), nil
		},
	}
}

// WithTemplate returns base with tpl standing in for the stored template of
// the same key. Used to validate the population against a proposed change.
func WithTemplate(base Loaders, tpl *store.Template) Loaders {
	key := schema.NormalizeKey(tpl.Key)
	out := base
	out.GetTemplateByKey = func(ctx context.Context, k string) (*store.Template, error) {
		if schema.NormalizeKey(k) == key {
			return tpl, nil
		}
		if base.GetTemplateByKey == nil {
			return nil, nil
		}
		return base.GetTemplateByKey(ctx, k)
	}
	out.IsTemplateAllowed = func(ctx context.Context, k string) (bool, error) {
		if schema.NormalizeKey(k) == key {
			return tpl.Allowed, nil
		}
		if base.IsTemplateAllowed == nil {
			return true, nil
		}
		return base.IsTemplateAllowed(ctx, k)
	}
	return out
}
