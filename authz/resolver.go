package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/pulseboardhq/pulseboard/internal/events"
)

// Resolver turns a UserContext into a concrete AccessGrant against one
// hierarchy snapshot. Missing or ambiguous permission data always
// resolves fail-closed, never unfiltered.
type Resolver struct {
	hierarchy *HierarchyService
	emitter   events.Emitter
}

// NewResolver creates a permission resolver over the given hierarchy.
func NewResolver(hierarchy *HierarchyService, emitter events.Emitter) *Resolver {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Resolver{hierarchy: hierarchy, emitter: emitter}
}

// Resolve computes the access grant for one dashboard render. It is
// called once per render so every chart sees the same grant.
//
// Only a total hierarchy outage (store down, no cached tree) returns an
// error; every other degenerate case returns a fail-closed grant.
func (r *Resolver) Resolve(ctx context.Context, user UserContext) (*AccessGrant, error) {
	switch user.PermissionScope {
	case ScopeAll:
		return &AccessGrant{
			Scope:             ScopeAll,
			PracticeIDs:       []int{},
			IncludesHierarchy: true,
		}, nil

	case ScopeOrganization:
		return r.resolveOrganization(ctx, user)

	case ScopeOwn:
		if user.ProviderID == nil {
			return r.failClosed(ScopeOwn, user, events.ReasonProviderIDMissing, events.SeverityWarning), nil
		}
		provider := *user.ProviderID
		return &AccessGrant{
			Scope:       ScopeOwn,
			PracticeIDs: []int{},
			ProviderID:  &provider,
		}, nil

	case ScopeNone:
		// Higher severity than the data-gap cases: a none-scope user
		// issuing queries indicates an authorization gap upstream.
		return r.failClosed(ScopeNone, user, events.ReasonAccessDenied, events.SeverityError), nil

	default:
		return r.failClosed(ScopeNone, user, events.ReasonAccessDenied, events.SeverityError), nil
	}
}

func (r *Resolver) resolveOrganization(ctx context.Context, user UserContext) (*AccessGrant, error) {
	if len(user.OrganizationIDs) == 0 {
		return r.failClosed(ScopeOrganization, user, events.ReasonOrgMembershipMissing, events.SeverityWarning), nil
	}

	snap, err := r.hierarchy.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving organization scope: %w", err)
	}

	set := make(map[int]struct{})
	for _, orgID := range user.OrganizationIDs {
		for _, id := range snap.PracticeIDsForSubtree(orgID) {
			set[id] = struct{}{}
		}
	}

	if len(set) == 0 {
		return r.failClosed(ScopeOrganization, user, events.ReasonOrgHasNoPractices, events.SeverityWarning), nil
	}

	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return &AccessGrant{
		Scope:             ScopeOrganization,
		PracticeIDs:       ids,
		IncludesHierarchy: true,
	}, nil
}

func (r *Resolver) failClosed(scope Scope, user UserContext, reason, severity string) *AccessGrant {
	r.emitter.Emit(events.Event{
		Name:     events.EventFailClosed,
		Severity: severity,
		Context: map[string]any{
			"reason":      reason,
			"filter_type": "practice",
			"user_id":     user.UserID,
			"scope":       string(scope),
		},
	})
	return &AccessGrant{
		Scope:       scope,
		PracticeIDs: []int{},
		FailClosed:  true,
		FailReason:  reason,
	}
}

// ValidateRequest rejects chart-level filters that exceed the grant.
// An own-scoped user passing a practice filter, or any user requesting
// practices or a provider outside their grant, is a ScopeViolation -
// never a silent downgrade.
func (r *Resolver) ValidateRequest(grant *AccessGrant, requestedPractices []int, requestedProvider *int) error {
	if grant.Unfiltered() {
		return nil
	}

	if grant.FailClosed {
		if len(requestedPractices) > 0 || requestedProvider != nil {
			return r.violation(grant, "filter_requested_without_access")
		}
		return nil
	}

	switch grant.Scope {
	case ScopeOrganization:
		for _, id := range requestedPractices {
			if !grant.AllowsPractice(id) {
				return r.violation(grant, fmt.Sprintf("practice_%d_outside_grant", id))
			}
		}
	case ScopeOwn:
		if len(requestedPractices) > 0 {
			return r.violation(grant, "practice_filter_outside_own_scope")
		}
		if requestedProvider != nil && (grant.ProviderID == nil || *requestedProvider != *grant.ProviderID) {
			return r.violation(grant, "provider_filter_outside_own_scope")
		}
	}
	return nil
}

func (r *Resolver) violation(grant *AccessGrant, detail string) error {
	r.emitter.Emit(events.Event{
		Name:     events.EventScopeViolation,
		Severity: events.SeverityWarning,
		Context: map[string]any{
			"scope":  string(grant.Scope),
			"detail": detail,
		},
	})
	return fmt.Errorf("%w: %s", ErrScopeViolation, detail)
}
