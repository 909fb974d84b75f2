package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboardhq/pulseboard/db"
	"github.com/pulseboardhq/pulseboard/internal/events"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// mockCacheStore is an in-memory CacheStore with fault injection.
type mockCacheStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	getErr   error
	setErr   error
	setCalls int
	deleted  []string
}

func newMockCacheStore() *mockCacheStore {
	return &mockCacheStore{data: make(map[string][]byte)}
}

func (m *mockCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	data, ok := m.data[key]
	return data, ok, nil
}

func (m *mockCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func (m *mockCacheStore) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *mockCacheStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *mockCacheStore) deletedPrefixes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

func sampleRows() []db.MeasureRow {
	return []db.MeasureRow{
		{PracticeID: 10, PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Measure: "charges", Value: 1250.50},
		{PracticeID: 11, PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Measure: "charges", Value: 980.00},
	}
}

// ============================================================================
// Hit / miss
// ============================================================================

func TestGetOrCompute_MissThenHit(t *testing.T) {
	store := newMockCacheStore()
	recorder := events.NewRecorder()
	cache := NewMeasureCache(store, recorder, time.Minute)

	var computes atomic.Int32
	compute := func(ctx context.Context) ([]db.MeasureRow, error) {
		computes.Add(1)
		return sampleRows(), nil
	}

	rows, hit, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, sampleRows(), rows)
	assert.Equal(t, int32(1), computes.Load())

	// The write is fire-and-forget; wait for it to land.
	require.Eventually(t, func() bool { return store.has("measures:v1:k1") },
		time.Second, 5*time.Millisecond)

	rows, hit, err = cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, sampleRows(), rows)
	assert.Equal(t, int32(1), computes.Load(), "a hit must not recompute")

	assert.Equal(t, 1, recorder.Count(events.EventCacheMiss))
	assert.Equal(t, 1, recorder.Count(events.EventCacheHit))
}

func TestGetOrCompute_ComputeErrorPropagates(t *testing.T) {
	cache := NewMeasureCache(newMockCacheStore(), events.NewRecorder(), time.Minute)

	wantErr := errors.New("query timeout")
	_, _, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute,
		func(ctx context.Context) ([]db.MeasureRow, error) { return nil, wantErr })

	assert.ErrorIs(t, err, wantErr)
}

func TestGetOrCompute_CorruptEntryTreatedAsMiss(t *testing.T) {
	store := newMockCacheStore()
	store.data["measures:v1:k1"] = []byte("{not json")
	cache := NewMeasureCache(store, events.NewRecorder(), time.Minute)

	var computes atomic.Int32
	rows, hit, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute,
		func(ctx context.Context) ([]db.MeasureRow, error) {
			computes.Add(1)
			return sampleRows(), nil
		})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, sampleRows(), rows)
	assert.Equal(t, int32(1), computes.Load())
}

// ============================================================================
// Degraded store
// ============================================================================

func TestGetOrCompute_StoreDownDegradesToCompute(t *testing.T) {
	store := newMockCacheStore()
	store.getErr = errors.New("connection refused")
	recorder := events.NewRecorder()
	cache := NewMeasureCache(store, recorder, time.Minute)

	for i := 0; i < 3; i++ {
		rows, hit, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute,
			func(ctx context.Context) ([]db.MeasureRow, error) { return sampleRows(), nil })
		require.NoError(t, err, "store outage must never surface to the caller")
		assert.False(t, hit)
		assert.Equal(t, sampleRows(), rows)
	}

	// The degraded-store warning is rate limited, not per-request.
	assert.Equal(t, 1, recorder.Count(events.EventCacheStoreUnavail))
}

func TestGetOrCompute_NilStoreIsDirectCompute(t *testing.T) {
	cache := NewMeasureCache(nil, events.NewRecorder(), time.Minute)

	var computes atomic.Int32
	for i := 0; i < 2; i++ {
		rows, hit, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute,
			func(ctx context.Context) ([]db.MeasureRow, error) {
				computes.Add(1)
				return sampleRows(), nil
			})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, sampleRows(), rows)
	}
	assert.Equal(t, int32(2), computes.Load())
}

func TestGetOrCompute_WriteFailureSwallowed(t *testing.T) {
	store := newMockCacheStore()
	store.setErr = errors.New("OOM command not allowed")
	recorder := events.NewRecorder()
	cache := NewMeasureCache(store, recorder, time.Minute)

	rows, _, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute,
		func(ctx context.Context) ([]db.MeasureRow, error) { return sampleRows(), nil })
	require.NoError(t, err)
	assert.Equal(t, sampleRows(), rows)

	require.Eventually(t, func() bool {
		return recorder.Count(events.EventCacheWriteFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Concurrent compute dedup
// ============================================================================

func TestGetOrCompute_ConcurrentCallersShareOneCompute(t *testing.T) {
	cache := NewMeasureCache(newMockCacheStore(), events.NewRecorder(), time.Minute)

	var computes atomic.Int32
	compute := func(ctx context.Context) ([]db.MeasureRow, error) {
		computes.Add(1)
		time.Sleep(100 * time.Millisecond)
		return sampleRows(), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var hits atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, hit, err := cache.GetOrCompute(context.Background(), "measures:v1:k1", time.Minute, compute)
			assert.NoError(t, err)
			assert.Equal(t, sampleRows(), rows)
			if hit {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load(), "identical concurrent queries must share one compute")
	assert.Equal(t, int32(callers-1), hits.Load(), "piggybacking callers count as hits")
}

// ============================================================================
// Invalidation
// ============================================================================

func TestInvalidate_RemovesPrefix(t *testing.T) {
	store := newMockCacheStore()
	store.data["measures:v1:a"] = []byte("[]")
	store.data["measures:v1:b"] = []byte("[]")
	store.data["other:x"] = []byte("[]")
	recorder := events.NewRecorder()
	cache := NewMeasureCache(store, recorder, time.Minute)

	cache.Invalidate("measures:v1")

	require.Eventually(t, func() bool {
		return len(store.deletedPrefixes()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, store.has("measures:v1:a"))
	assert.False(t, store.has("measures:v1:b"))
	assert.True(t, store.has("other:x"), "unrelated keys survive invalidation")

	require.Eventually(t, func() bool {
		return recorder.Count(events.EventCacheInvalidated) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidate_NilStoreNoop(t *testing.T) {
	cache := NewMeasureCache(nil, events.NewRecorder(), time.Minute)
	cache.Invalidate("measures:v1") // must not panic
}
