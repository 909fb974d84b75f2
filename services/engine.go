package services

import (
	"database/sql"

	"github.com/go-redis/redis/v8"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/db"
	"github.com/pulseboardhq/pulseboard/internal/config"
	"github.com/pulseboardhq/pulseboard/internal/events"
	"github.com/pulseboardhq/pulseboard/query"
)

// Engine bundles the analytics query/cache subsystem: hierarchy,
// resolver, filter builder, measure cache and orchestrator, wired to
// their Postgres and Redis backends. The HTTP layer and workers consume
// it; no ambient globals.
type Engine struct {
	OrgStore  *db.OrgStore
	Measures  *db.MeasureStore
	Hierarchy *authz.HierarchyService
	Resolver  *authz.Resolver
	Builder   *query.FilterBuilder
	Cache     *MeasureCache
	Dashboard *DashboardService
}

// NewEngine wires the full query engine. redisClient may be nil, in
// which case the measure cache degrades to direct compute.
func NewEngine(pg *sql.DB, redisClient *redis.Client, emitter events.Emitter, cfg config.QueryEngineConfig) *Engine {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	orgStore := db.NewOrgStore(pg)
	measures := db.NewMeasureStore(pg)
	hierarchy := authz.NewHierarchyService(orgStore, emitter, cfg.HierarchyTTL())
	resolver := authz.NewResolver(hierarchy, emitter)
	builder := query.NewFilterBuilder(emitter)

	var store CacheStore
	if redisClient != nil {
		store = NewRedisStore(redisClient)
	}
	cache := NewMeasureCache(store, emitter, cfg.CacheWarnInterval())

	dashboard := NewDashboardService(resolver, builder, cache, measures, emitter,
		cfg.MaxInflightQueries, cfg.MeasureCacheTTL())

	return &Engine{
		OrgStore:  orgStore,
		Measures:  measures,
		Hierarchy: hierarchy,
		Resolver:  resolver,
		Builder:   builder,
		Cache:     cache,
		Dashboard: dashboard,
	}
}

// InvalidateAll drops the hierarchy snapshot and busts the whole
// measure cache prefix. Called after organization/practice changes.
func (e *Engine) InvalidateAll() {
	e.Hierarchy.Invalidate()
	e.Cache.Invalidate(query.KeyPrefix)
}

// Close releases background resources held by the engine.
func (e *Engine) Close() {
	e.Hierarchy.Close()
}
