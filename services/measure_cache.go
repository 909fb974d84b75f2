package services

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pulseboardhq/pulseboard/db"
	"github.com/pulseboardhq/pulseboard/internal/events"
)

// cacheWriteTimeout bounds the fire-and-forget store write so an
// unresponsive store cannot leak goroutines forever.
const cacheWriteTimeout = 5 * time.Second

// CacheStore is the external TTL key-value store contract.
// The store is assumed safe for concurrent reads/writes.
type CacheStore interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with a fixed expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// MeasureCache wraps a compute function with a TTL cache. On hit the
// stored rows come back as-is (no recompute, no TTL extension). On miss
// the compute function runs, its result is stored fire-and-forget, and
// concurrent callers for the same key collapse into one compute.
//
// An unreachable store degrades the cache to direct compute: the caller
// never sees a cache error, only slower responses and a rate-limited
// warning in the logs.
type MeasureCache struct {
	store        CacheStore
	emitter      events.Emitter
	warnInterval time.Duration

	flight   singleflight.Group
	lastWarn atomic.Int64
}

// NewMeasureCache creates a measure cache over the given store.
// warnInterval <= 0 defaults to one minute.
func NewMeasureCache(store CacheStore, emitter events.Emitter, warnInterval time.Duration) *MeasureCache {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if warnInterval <= 0 {
		warnInterval = time.Minute
	}
	return &MeasureCache{
		store:        store,
		emitter:      emitter,
		warnInterval: warnInterval,
	}
}

// ComputeFunc produces measure rows on a cache miss.
type ComputeFunc func(ctx context.Context) ([]db.MeasureRow, error)

type cacheOutcome struct {
	rows []db.MeasureRow
	hit  bool
}

// GetOrCompute returns the cached rows for key, or computes and stores
// them. The second return reports whether the rows came from cache
// (callers that piggyback on another caller's in-flight compute count
// as hits - they cost no compute).
func (c *MeasureCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]db.MeasureRow, bool, error) {
	// executed is only set when singleflight picks this caller to run
	// the lookup; every other caller piggybacks and counts as a hit.
	var executed bool
	v, err, _ := c.flight.Do(key, func() (any, error) {
		executed = true
		rows, hit, err := c.lookupOrCompute(ctx, key, ttl, compute)
		if err != nil {
			return nil, err
		}
		return cacheOutcome{rows: rows, hit: hit}, nil
	})
	if err != nil {
		return nil, false, err
	}
	outcome := v.(cacheOutcome)
	return outcome.rows, outcome.hit || !executed, nil
}

func (c *MeasureCache) lookupOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]db.MeasureRow, bool, error) {
	if data, ok := c.lookup(ctx, key); ok {
		var rows []db.MeasureRow
		if err := json.Unmarshal(data, &rows); err == nil {
			c.emitter.Emit(events.Event{
				Name:     events.EventCacheHit,
				Severity: events.SeverityInfo,
				Context:  map[string]any{"cache": "measures", "key": key},
			})
			return rows, true, nil
		}
		// Undecodable entry: treat as a miss and overwrite below.
	}

	c.emitter.Emit(events.Event{
		Name:     events.EventCacheMiss,
		Severity: events.SeverityInfo,
		Context:  map[string]any{"cache": "measures", "key": key},
	})

	rows, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}

	c.storeAsync(key, rows, ttl)
	return rows, false, nil
}

func (c *MeasureCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.warnStoreDown(err)
		return nil, false
	}
	return data, ok
}

// storeAsync writes the computed rows without blocking the caller. A
// failed write degrades to "always miss", never to a user-facing error.
// The write deliberately ignores the request context: a cancelled
// render must not leave a half-written cache entry behind.
func (c *MeasureCache) storeAsync(key string, rows []db.MeasureRow, ttl time.Duration) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		c.emitter.Emit(events.Event{
			Name:     events.EventCacheWriteFailed,
			Severity: events.SeverityWarning,
			Context:  map[string]any{"key": key, "error": err.Error()},
		})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := c.store.Set(ctx, key, data, ttl); err != nil {
			c.emitter.Emit(events.Event{
				Name:     events.EventCacheWriteFailed,
				Severity: events.SeverityWarning,
				Context:  map[string]any{"key": key, "error": err.Error()},
			})
		}
	}()
}

// Invalidate removes every cached entry under prefix. Best-effort and
// asynchronous: failures are logged and swallowed.
func (c *MeasureCache) Invalidate(prefix string) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := c.store.DeletePrefix(ctx, prefix); err != nil {
			c.emitter.Emit(events.Event{
				Name:     events.EventCacheWriteFailed,
				Severity: events.SeverityWarning,
				Context:  map[string]any{"prefix": prefix, "error": err.Error()},
			})
			return
		}
		c.emitter.Emit(events.Event{
			Name:     events.EventCacheInvalidated,
			Severity: events.SeverityInfo,
			Context:  map[string]any{"prefix": prefix},
		})
	}()
}

// warnStoreDown logs the degraded-cache warning at most once per
// warnInterval to avoid log storms while the store is down.
func (c *MeasureCache) warnStoreDown(err error) {
	now := time.Now().UnixNano()
	last := c.lastWarn.Load()
	if now-last < int64(c.warnInterval) {
		return
	}
	if !c.lastWarn.CompareAndSwap(last, now) {
		return
	}
	c.emitter.Emit(events.Event{
		Name:     events.EventCacheStoreUnavail,
		Severity: events.SeverityWarning,
		Context:  map[string]any{"error": err.Error()},
	})
}
