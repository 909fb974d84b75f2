package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/db"
	"github.com/pulseboardhq/pulseboard/internal/events"
	"github.com/pulseboardhq/pulseboard/query"
)

// Computer is the opaque row-compute backend (a SQL engine in
// production). The orchestrator only ever calls it through the
// measure cache.
type Computer interface {
	Compute(ctx context.Context, params *query.QueryParams) ([]db.MeasureRow, error)
}

// Ensure the SQL measure store satisfies the compute contract
var _ Computer = (*db.MeasureStore)(nil)

// ChartRequest is one chart of a dashboard render.
type ChartRequest struct {
	ChartID string            `json:"chart_id"`
	Config  query.ChartConfig `json:"config"`
}

// ChartResult carries either rows or an error marker for one chart.
// One bad chart never fails the whole render.
type ChartResult struct {
	ChartID string          `json:"chart_id"`
	Kind    query.ChartKind `json:"kind"`
	Rows    []db.MeasureRow `json:"rows,omitempty"`

	// Cache-hit metadata for observability. CacheHit is true only when
	// every sub-query of the chart was served from cache.
	CacheHit   bool `json:"cache_hit"`
	CacheHits  int  `json:"cache_hits"`
	SubQueries int  `json:"sub_queries"`

	Error string `json:"error,omitempty"`
}

// DashboardService orchestrates all chart queries of one dashboard
// render: resolves access once, builds params per chart, and dispatches
// every resulting standard query through the measure cache
// concurrently, bounded by a maximum in-flight count.
type DashboardService struct {
	resolver *authz.Resolver
	builder  *query.FilterBuilder
	cache    *MeasureCache
	compute  Computer
	emitter  events.Emitter

	cacheTTL time.Duration
	inflight *semaphore.Weighted
}

// NewDashboardService creates the query orchestrator.
// maxInflight <= 0 defaults to 16.
func NewDashboardService(resolver *authz.Resolver, builder *query.FilterBuilder, cache *MeasureCache, compute Computer, emitter events.Emitter, maxInflight int, cacheTTL time.Duration) *DashboardService {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if maxInflight <= 0 {
		maxInflight = 16
	}
	return &DashboardService{
		resolver: resolver,
		builder:  builder,
		cache:    cache,
		compute:  compute,
		emitter:  emitter,
		cacheTTL: cacheTTL,
		inflight: semaphore.NewWeighted(int64(maxInflight)),
	}
}

// RenderDashboard evaluates every chart request against one access
// grant resolved from a single hierarchy snapshot - charts within the
// same render must never disagree on visible data. Results come back
// in input order regardless of completion order.
//
// Hard errors are limited to scope violations and a total hierarchy
// outage; anything else is absorbed into per-chart error markers.
func (s *DashboardService) RenderDashboard(ctx context.Context, user authz.UserContext, requests []ChartRequest) ([]ChartResult, error) {
	grant, err := s.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}

	// Reject cross-scope filter requests before any query runs.
	for _, req := range requests {
		if err := s.resolver.ValidateRequest(grant, req.Config.PracticeIDs, req.Config.ProviderID); err != nil {
			return nil, fmt.Errorf("chart %s: %w", req.ChartID, err)
		}
	}

	renderID := uuid.New().String()
	results := make([]ChartResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			results[i] = s.renderChart(gctx, grant, req, renderID)
			return nil
		})
	}
	// Chart goroutines never return errors; failures land in the
	// result markers.
	_ = g.Wait()

	return results, nil
}

func (s *DashboardService) renderChart(ctx context.Context, grant *authz.AccessGrant, req ChartRequest, renderID string) ChartResult {
	result := ChartResult{
		ChartID: req.ChartID,
		Kind:    req.Config.Kind(),
	}

	var err error
	switch result.Kind {
	case query.ChartMultiSeries:
		err = s.renderMultiSeries(ctx, grant, req.Config, &result)
	case query.ChartPeriodComparison:
		err = s.renderPeriodComparison(ctx, grant, req.Config, &result)
	default:
		err = s.renderStandard(ctx, grant, req.Config, "", &result)
	}
	if err != nil {
		s.emitter.Emit(events.Event{
			Name:     "chart_render_failed",
			Severity: events.SeverityWarning,
			Context: map[string]any{
				"render_id": renderID,
				"chart_id":  req.ChartID,
				"error":     err.Error(),
			},
		})
		return ChartResult{ChartID: req.ChartID, Kind: result.Kind, Error: err.Error()}
	}

	result.CacheHit = result.SubQueries > 0 && result.CacheHits == result.SubQueries
	return result
}

// renderStandard evaluates one standard (single-measure) query and
// appends its rows to the result, tagged with label when part of a
// composite chart. Composite charts recurse through this exact path so
// permission semantics cannot diverge between simple and composite
// chart types.
func (s *DashboardService) renderStandard(ctx context.Context, grant *authz.AccessGrant, cfg query.ChartConfig, label string, result *ChartResult) error {
	params, err := s.builder.Build(grant, cfg)
	if err != nil {
		return err
	}
	key := query.BuildKey(params)

	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	rows, hit, err := s.cache.GetOrCompute(ctx, key, s.cacheTTL, func(ctx context.Context) ([]db.MeasureRow, error) {
		return s.compute.Compute(ctx, params)
	})
	s.inflight.Release(1)
	if err != nil {
		return err
	}

	result.SubQueries++
	if hit {
		result.CacheHits++
	}
	result.Rows = append(result.Rows, tagRows(rows, label)...)
	return nil
}

// renderMultiSeries expands N series into N standard sub-queries,
// reusing the same grant, and merges the tagged rows in declared
// series order.
func (s *DashboardService) renderMultiSeries(ctx context.Context, grant *authz.AccessGrant, cfg query.ChartConfig, result *ChartResult) error {
	partials := make([]ChartResult, len(cfg.MultiSeries))

	g, gctx := errgroup.WithContext(ctx)
	for i, series := range cfg.MultiSeries {
		i, series := i, series
		sub := cfg
		sub.Measure = series.Measure
		sub.MultiSeries = nil
		g.Go(func() error {
			return s.renderStandard(gctx, grant, sub, series.Label, &partials[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, partial := range partials {
		result.SubQueries += partial.SubQueries
		result.CacheHits += partial.CacheHits
		result.Rows = append(result.Rows, partial.Rows...)
	}
	return nil
}

// renderPeriodComparison runs the same measure over the two comparison
// windows and merges the rows tagged with their period label.
func (s *DashboardService) renderPeriodComparison(ctx context.Context, grant *authz.AccessGrant, cfg query.ChartConfig, result *ChartResult) error {
	pc := cfg.PeriodComparison
	currentLabel := pc.CurrentLabel
	if currentLabel == "" {
		currentLabel = "current"
	}
	previousLabel := pc.PreviousLabel
	if previousLabel == "" {
		previousLabel = "previous"
	}
	windows := []struct {
		label string
		dates query.DateRange
	}{
		{label: currentLabel, dates: pc.Current},
		{label: previousLabel, dates: pc.Previous},
	}

	partials := make([]ChartResult, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	for i, window := range windows {
		i, window := i, window
		sub := cfg
		sub.PeriodComparison = nil
		dates := window.dates
		sub.DateRange = &dates
		g.Go(func() error {
			return s.renderStandard(gctx, grant, sub, window.label, &partials[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, partial := range partials {
		result.SubQueries += partial.SubQueries
		result.CacheHits += partial.CacheHits
		result.Rows = append(result.Rows, partial.Rows...)
	}
	return nil
}

// tagRows copies rows before labeling so cached slices are never
// mutated in place.
func tagRows(rows []db.MeasureRow, label string) []db.MeasureRow {
	if len(rows) == 0 {
		return nil
	}
	out := make([]db.MeasureRow, len(rows))
	copy(out, rows)
	if label != "" {
		for i := range out {
			out[i].SeriesLabel = label
		}
	}
	return out
}
