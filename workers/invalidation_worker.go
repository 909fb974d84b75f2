package workers

import (
	"context"
	"log"
	"time"

	"github.com/pulseboardhq/pulseboard/internal/events"
	"github.com/pulseboardhq/pulseboard/services"
)

// OrgChangeSource reports when any organization row last changed.
type OrgChangeSource interface {
	LatestChange(ctx context.Context) (time.Time, error)
}

// InvalidationWorker polls for organization changes and busts the
// hierarchy snapshot plus the measure cache prefix when practice lists
// may have moved. Invalidation is best-effort; a missed poll only
// delays it by one interval.
type InvalidationWorker struct {
	source   OrgChangeSource
	engine   *services.Engine
	emitter  events.Emitter
	interval time.Duration

	lastSeen time.Time
	stop     chan struct{}
}

// NewInvalidationWorker creates the worker. interval <= 0 defaults to
// 30 seconds.
func NewInvalidationWorker(source OrgChangeSource, engine *services.Engine, emitter events.Emitter, interval time.Duration) *InvalidationWorker {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &InvalidationWorker{
		source:   source,
		engine:   engine,
		emitter:  emitter,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called. Blocking; run it
// in its own goroutine.
func (w *InvalidationWorker) Start() {
	log.Printf("Starting cache invalidation worker (interval: %s)", w.interval)

	// Prime the baseline so a restart doesn't bust caches for changes
	// that predate the process.
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	if latest, err := w.source.LatestChange(ctx); err == nil {
		w.lastSeen = latest
	}
	cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			log.Println("Cache invalidation worker stopped")
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Stop terminates the polling loop.
func (w *InvalidationWorker) Stop() {
	close(w.stop)
}

func (w *InvalidationWorker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	latest, err := w.source.LatestChange(ctx)
	if err != nil {
		log.Printf("Invalidation worker: failed to check organization changes: %v", err)
		return
	}
	if !latest.After(w.lastSeen) {
		return
	}

	w.lastSeen = latest
	w.engine.InvalidateAll()
	w.emitter.Emit(events.Event{
		Name:     events.EventCacheInvalidated,
		Severity: events.SeverityInfo,
		Context:  map[string]any{"trigger": "organization_change", "changed_at": latest},
	})
}
