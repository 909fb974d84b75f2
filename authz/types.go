package authz

// Scope determines which measure rows a user may see.
type Scope string

const (
	// ScopeAll grants unfiltered access (super admins). The empty
	// practice list on an all-scope grant means "no filter", never
	// "no rows" - consumers must branch on the Scope tag, not on
	// list emptiness.
	ScopeAll Scope = "all"

	// ScopeOrganization grants access to every practice under the
	// user's organization subtrees.
	ScopeOrganization Scope = "organization"

	// ScopeOwn grants access to the user's own provider rows only.
	ScopeOwn Scope = "own"

	// ScopeNone grants nothing. Always resolves fail-closed.
	ScopeNone Scope = "none"
)

// Valid reports whether s is one of the four known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeOrganization, ScopeOwn, ScopeNone:
		return true
	}
	return false
}

// UserContext carries the already-authenticated caller's permission
// fields. Supplied by the auth layer; consumed read-only here.
type UserContext struct {
	UserID          string   `json:"user_id"`
	PermissionScope Scope    `json:"permission_scope"`
	OrganizationIDs []string `json:"organization_ids,omitempty"`
	ProviderID      *int     `json:"provider_id,omitempty"`
}

// AccessGrant is the resolved, concrete access for one dashboard render.
// Ephemeral: recomputed per request, never persisted.
type AccessGrant struct {
	Scope             Scope  `json:"scope"`
	PracticeIDs       []int  `json:"practice_ids"`
	ProviderID        *int   `json:"provider_id,omitempty"`
	IncludesHierarchy bool   `json:"includes_hierarchy"`
	FailClosed        bool   `json:"fail_closed"`
	FailReason        string `json:"fail_reason,omitempty"`
}

// Unfiltered reports whether the grant skips practice/provider
// filtering entirely. Only an all-scope grant may be unfiltered.
func (g *AccessGrant) Unfiltered() bool {
	return g.Scope == ScopeAll && !g.FailClosed
}

// AllowsPractice reports whether the grant covers the given practice id.
func (g *AccessGrant) AllowsPractice(id int) bool {
	if g.Unfiltered() {
		return true
	}
	if g.FailClosed {
		return false
	}
	for _, p := range g.PracticeIDs {
		if p == id {
			return true
		}
	}
	return false
}
