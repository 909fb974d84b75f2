package query

import (
	"sort"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/internal/events"
)

// FilterBuilder converts an AccessGrant plus chart configuration into
// canonical QueryParams, applying fail-closed sentinels. Permission
// enforcement applies solely to practice/provider scoping; advanced
// filters, date ranges and composite specs are copied through with type
// validation only.
type FilterBuilder struct {
	emitter events.Emitter
}

// NewFilterBuilder creates a filter builder.
func NewFilterBuilder(emitter events.Emitter) *FilterBuilder {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &FilterBuilder{emitter: emitter}
}

// Build constructs QueryParams for one chart evaluation. Cross-scope
// filter requests must already have been rejected by
// Resolver.ValidateRequest; Build applies the grant, it does not
// re-litigate it - except that any ambiguous empty practice set still
// collapses to the sentinel rather than to "no filter".
func (b *FilterBuilder) Build(grant *authz.AccessGrant, cfg ChartConfig) (*QueryParams, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &QueryParams{
		DataSourceID: cfg.DataSourceID,
		Measure:      cfg.Measure,
		Frequency:    cfg.Frequency,
	}

	b.applyPracticeFilter(p, grant, cfg)
	b.applyProviderFilter(p, grant, cfg)

	if cfg.DateRange != nil {
		dr := *cfg.DateRange
		p.DateRange = &dr
	}
	if len(cfg.AdvancedFilters) > 0 {
		p.AdvancedFilters = make([]FilterClause, len(cfg.AdvancedFilters))
		copy(p.AdvancedFilters, cfg.AdvancedFilters)
	}
	if len(cfg.MultiSeries) > 0 {
		p.MultiSeries = make([]SeriesSpec, len(cfg.MultiSeries))
		copy(p.MultiSeries, cfg.MultiSeries)
	}
	if cfg.PeriodComparison != nil {
		pc := *cfg.PeriodComparison
		p.PeriodComparison = &pc
	}

	return p, nil
}

func (b *FilterBuilder) applyPracticeFilter(p *QueryParams, grant *authz.AccessGrant, cfg ChartConfig) {
	switch {
	case grant.Unfiltered():
		// No RBAC practice filter. An all-scope caller may still narrow
		// to specific practices.
		if len(cfg.PracticeIDs) > 0 {
			p.PracticeIDs = sortedUnique(cfg.PracticeIDs)
		} else {
			p.PracticeIDs = []int{}
			p.PracticeFilterOmitted = true
		}

	case grant.FailClosed:
		p.PracticeIDs = []int{SentinelPracticeID}
		b.emitFailClosed(grant.FailReason, cfg.ChartID)

	case grant.Scope == authz.ScopeOwn:
		// Own scope is enforced through the provider filter; the
		// resolver guarantees a provider id is present.
		p.PracticeIDs = []int{}
		p.PracticeFilterOmitted = true

	case len(grant.PracticeIDs) > 0:
		ids := grant.PracticeIDs
		if len(cfg.PracticeIDs) > 0 {
			// Narrowing request, already validated as a subset.
			ids = intersect(grant.PracticeIDs, cfg.PracticeIDs)
			if len(ids) == 0 {
				p.PracticeIDs = []int{SentinelPracticeID}
				b.emitFailClosed("requested_practices_outside_grant", cfg.ChartID)
				return
			}
		}
		p.PracticeIDs = sortedUnique(ids)

	default:
		// Empty practice set on a filtered scope that was not flagged
		// fail-closed upstream. Ambiguous empty-vs-unfiltered signals
		// resolve to zero rows, not to full access.
		p.PracticeIDs = []int{SentinelPracticeID}
		b.emitFailClosed("empty_practice_set", cfg.ChartID)
	}
}

func (b *FilterBuilder) applyProviderFilter(p *QueryParams, grant *authz.AccessGrant, cfg ChartConfig) {
	if grant.ProviderID != nil {
		provider := *grant.ProviderID
		p.ProviderID = &provider
		return
	}
	// Grants without a fixed provider may narrow by one, as long as the
	// practice filter already constrains visibility.
	if cfg.ProviderID != nil && !grant.FailClosed {
		provider := *cfg.ProviderID
		p.ProviderID = &provider
	}
}

func (b *FilterBuilder) emitFailClosed(reason, chartID string) {
	b.emitter.Emit(events.Event{
		Name:     events.EventFailClosed,
		Severity: events.SeverityWarning,
		Context: map[string]any{
			"reason":      reason,
			"filter_type": "practice",
			"chart_id":    chartID,
		},
	})
}

func sortedUnique(ids []int) []int {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func intersect(granted, requested []int) []int {
	allowed := make(map[int]struct{}, len(granted))
	for _, id := range granted {
		allowed[id] = struct{}{}
	}
	var out []int
	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
