package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pulseboardhq/pulseboard/authz"
)

// OrgStore loads the organization hierarchy from Postgres.
// Purely a data access layer - no authorization logic.
type OrgStore struct {
	DB *sql.DB
}

// NewOrgStore creates a new organization store.
func NewOrgStore(database *sql.DB) *OrgStore {
	return &OrgStore{DB: database}
}

// Ensure OrgStore implements the hierarchy's store interface
var _ authz.OrganizationStore = (*OrgStore)(nil)

// ListOrganizations returns every active organization with its practice
// ids. The hierarchy service caches the result; this hits the database
// on every call.
func (s *OrgStore) ListOrganizations(ctx context.Context) ([]authz.Organization, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), practice_ids
		FROM organizations
		WHERE is_active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []authz.Organization
	for rows.Next() {
		var org authz.Organization
		var practiceIDs pq.Int64Array
		if err := rows.Scan(&org.ID, &org.ParentID, &practiceIDs); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		org.PracticeIDs = make([]int, len(practiceIDs))
		for i, id := range practiceIDs {
			org.PracticeIDs[i] = int(id)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organizations: %w", err)
	}
	return orgs, nil
}

// LatestChange returns the most recent updated_at across organizations.
// The invalidation worker polls this to detect practice-list changes.
func (s *OrgStore) LatestChange(ctx context.Context) (time.Time, error) {
	var latest time.Time
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(updated_at), to_timestamp(0)) FROM organizations
	`).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest organization change: %w", err)
	}
	return latest, nil
}
