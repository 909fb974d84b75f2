package authz

import "errors"

// Common errors
var (
	// ErrScopeViolation is returned when a caller attempts to use a
	// filter outside their permission scope. The HTTP layer maps it
	// to a 4xx; it is never silently downgraded.
	ErrScopeViolation = errors.New("scope violation: requested filter exceeds permission scope")

	// ErrHierarchyUnavailable is returned when the organization store
	// is unreachable and no previously cached tree exists.
	ErrHierarchyUnavailable = errors.New("organization hierarchy unavailable")
)
