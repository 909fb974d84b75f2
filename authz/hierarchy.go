package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/pulseboardhq/pulseboard/internal/events"
)

// MaxTraversalDepth bounds subtree walks. Anything deeper is treated
// as a data integrity problem (cycle or corrupted parent links) and
// the walk stops descending that branch.
const MaxTraversalDepth = 10

// Organization is one node of the tenant hierarchy. Roots have an
// empty ParentID. Loaded read-only from the backing store.
type Organization struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id,omitempty"`
	PracticeIDs []int  `json:"practice_ids"`
}

// OrganizationStore loads the full organization forest.
// This is purely a data access layer - no authorization logic.
type OrganizationStore interface {
	ListOrganizations(ctx context.Context) ([]Organization, error)
}

// HierarchyService caches the organization tree with a bounded TTL and
// aggregates practice ids per subtree. Concurrent callers during a
// refresh share one in-flight load (single-flight).
type HierarchyService struct {
	store   OrganizationStore
	emitter events.Emitter
	ttl     time.Duration

	flight singleflight.Group

	mu       sync.RWMutex
	current  *HierarchySnapshot
	loadedAt time.Time

	// subtree practice-id sets memoized per (snapshot version, org id)
	subtrees *ttlcache.Cache[string, []int]
}

// HierarchySnapshot is one immutable view of the organization forest.
// Every chart in a single dashboard render must resolve against the
// same snapshot.
type HierarchySnapshot struct {
	Version       uint64
	Organizations []Organization

	svc      *HierarchyService
	children map[string][]*Organization
	byID     map[string]*Organization
}

// NewHierarchyService creates a hierarchy service over the given store.
// ttl <= 0 defaults to 24 hours.
func NewHierarchyService(store OrganizationStore, emitter events.Emitter, ttl time.Duration) *HierarchyService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	subtrees := ttlcache.New(
		ttlcache.WithTTL[string, []int](ttl),
	)
	go subtrees.Start()
	return &HierarchyService{
		store:    store,
		emitter:  emitter,
		ttl:      ttl,
		subtrees: subtrees,
	}
}

// Close stops the background expiry loop of the subtree memo cache.
func (s *HierarchyService) Close() {
	s.subtrees.Stop()
}

// Snapshot returns the current organization forest, loading it from the
// store if the cached copy is missing or older than the TTL. On store
// failure the last good snapshot is returned with a warning; with no
// cached snapshot the error wraps ErrHierarchyUnavailable.
func (s *HierarchyService) Snapshot(ctx context.Context) (*HierarchySnapshot, error) {
	s.mu.RLock()
	if s.current != nil && time.Since(s.loadedAt) < s.ttl {
		snap := s.current
		s.mu.RUnlock()
		s.emitter.Emit(events.Event{
			Name:     events.EventCacheHit,
			Severity: events.SeverityInfo,
			Context:  map[string]any{"cache": "hierarchy"},
		})
		return snap, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.flight.Do("hierarchy", func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// already refreshed.
		s.mu.RLock()
		if s.current != nil && time.Since(s.loadedAt) < s.ttl {
			snap := s.current
			s.mu.RUnlock()
			return snap, nil
		}
		s.mu.RUnlock()

		s.emitter.Emit(events.Event{
			Name:     events.EventCacheMiss,
			Severity: events.SeverityInfo,
			Context:  map[string]any{"cache": "hierarchy"},
		})

		orgs, err := s.store.ListOrganizations(ctx)
		if err != nil {
			s.mu.RLock()
			stale := s.current
			s.mu.RUnlock()
			if stale != nil {
				s.emitter.Emit(events.Event{
					Name:     events.EventHierarchyStale,
					Severity: events.SeverityWarning,
					Context:  map[string]any{"error": err.Error()},
				})
				return stale, nil
			}
			s.emitter.Emit(events.Event{
				Name:     events.EventHierarchyUnavailable,
				Severity: events.SeverityError,
				Context:  map[string]any{"error": err.Error()},
			})
			return nil, fmt.Errorf("%w: %v", ErrHierarchyUnavailable, err)
		}

		s.mu.Lock()
		version := uint64(1)
		if s.current != nil {
			version = s.current.Version + 1
		}
		snap := newSnapshot(s, version, orgs)
		s.current = snap
		s.loadedAt = time.Now()
		s.mu.Unlock()

		s.emitter.Emit(events.Event{
			Name:     events.EventHierarchyRefresh,
			Severity: events.SeverityInfo,
			Context:  map[string]any{"org_count": len(orgs), "version": version},
		})
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HierarchySnapshot), nil
}

// GetAll returns all organizations from the current snapshot.
func (s *HierarchyService) GetAll(ctx context.Context) ([]Organization, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Organizations, nil
}

// Invalidate drops the cached tree and the subtree memos so the next
// call reloads from the store. Called after an organization's practice
// list changes.
func (s *HierarchyService) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
	s.subtrees.DeleteAll()
}

func newSnapshot(svc *HierarchyService, version uint64, orgs []Organization) *HierarchySnapshot {
	snap := &HierarchySnapshot{
		Version:       version,
		Organizations: orgs,
		svc:           svc,
		children:      make(map[string][]*Organization, len(orgs)),
		byID:          make(map[string]*Organization, len(orgs)),
	}
	for i := range orgs {
		org := &orgs[i]
		snap.byID[org.ID] = org
		if org.ParentID != "" {
			snap.children[org.ParentID] = append(snap.children[org.ParentID], org)
		}
	}
	return snap
}

// PracticeIDsForSubtree walks from orgID through its descendants,
// unioning practice ids. The walk is depth-bounded: past
// MaxTraversalDepth the branch is truncated and an integrity event is
// emitted, but the partial result is still returned - a dashboard
// render degrades rather than fails. Results are memoized per snapshot
// version and returned sorted.
func (snap *HierarchySnapshot) PracticeIDsForSubtree(orgID string) []int {
	memoKey := fmt.Sprintf("v%d:%s", snap.Version, orgID)
	if snap.svc != nil {
		if item := snap.svc.subtrees.Get(memoKey); item != nil {
			return item.Value()
		}
	}

	ids := snap.walkSubtree(orgID)

	if snap.svc != nil {
		snap.svc.subtrees.Set(memoKey, ids, ttlcache.DefaultTTL)
	}
	return ids
}

func (snap *HierarchySnapshot) walkSubtree(orgID string) []int {
	root, ok := snap.byID[orgID]
	if !ok {
		return []int{}
	}

	set := make(map[int]struct{})
	visited := map[string]struct{}{root.ID: {}}
	level := []*Organization{root}
	depth := 0

	for len(level) > 0 {
		for _, org := range level {
			for _, id := range org.PracticeIDs {
				set[id] = struct{}{}
			}
		}

		if depth >= MaxTraversalDepth {
			snap.emitIntegrity(events.EventHierarchyDepth, orgID, depth)
			break
		}

		var next []*Organization
		for _, org := range level {
			for _, child := range snap.children[org.ID] {
				if _, seen := visited[child.ID]; seen {
					// A child pointing back into the walked set means
					// the stored parent links form a cycle.
					snap.emitIntegrity(events.EventHierarchyCycle, child.ID, depth)
					continue
				}
				visited[child.ID] = struct{}{}
				next = append(next, child)
			}
		}
		level = next
		depth++
	}

	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (snap *HierarchySnapshot) emitIntegrity(name, orgID string, depth int) {
	if snap.svc == nil {
		return
	}
	snap.svc.emitter.Emit(events.Event{
		Name:     name,
		Severity: events.SeverityError,
		Context: map[string]any{
			"org_id":    orgID,
			"depth":     depth,
			"max_depth": MaxTraversalDepth,
		},
	})
}
