package events

import (
	"github.com/sirupsen/logrus"
)

// Severity levels for emitted events
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event names emitted by the query engine
const (
	EventCacheHit             = "cache_hit"
	EventCacheMiss            = "cache_miss"
	EventCacheStoreUnavail    = "cache_store_unavailable"
	EventCacheWriteFailed     = "cache_write_failed"
	EventCacheInvalidated     = "cache_invalidated"
	EventFailClosed           = "fail_closed_filter_applied"
	EventScopeViolation       = "scope_violation_rejected"
	EventHierarchyDepth       = "hierarchy_depth_exceeded"
	EventHierarchyCycle       = "hierarchy_cycle_detected"
	EventHierarchyRefresh     = "hierarchy_refresh"
	EventHierarchyStale       = "hierarchy_stale_fallback"
	EventHierarchyUnavailable = "hierarchy_unavailable"
)

// Fail-closed reasons (audit signal: user asked for data they can't see
// and got zero rows, not someone else's rows)
const (
	ReasonOrgHasNoPractices    = "organization_has_no_practices"
	ReasonProviderIDMissing    = "provider_user_missing_provider_id"
	ReasonAccessDenied         = "access_denied_no_permission"
	ReasonOrgMembershipMissing = "user_has_no_organizations"
)

// Event is a structured observability/audit event.
// Consumed by the external logging pipeline.
type Event struct {
	Name     string         `json:"event_name"`
	Severity string         `json:"severity"`
	Context  map[string]any `json:"context,omitempty"`
}

// Emitter is the sink for structured events.
type Emitter interface {
	Emit(event Event)
}

// LogEmitter writes events as structured logrus entries.
type LogEmitter struct {
	log *logrus.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
// Pass nil to use the logrus standard logger.
func NewLogEmitter(log *logrus.Logger) *LogEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogEmitter{log: log}
}

var _ Emitter = (*LogEmitter)(nil)

func (e *LogEmitter) Emit(event Event) {
	entry := e.log.WithField("event", event.Name)
	if len(event.Context) > 0 {
		entry = entry.WithFields(logrus.Fields(event.Context))
	}

	switch event.Severity {
	case SeverityError:
		entry.Error(event.Name)
	case SeverityWarning:
		entry.Warn(event.Name)
	default:
		entry.Info(event.Name)
	}
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
