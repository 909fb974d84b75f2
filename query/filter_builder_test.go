package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/internal/events"
)

func intPtr(i int) *int { return &i }

func baseConfig() ChartConfig {
	return ChartConfig{
		ChartID:      "c1",
		DataSourceID: 3,
		Measure:      "charges",
		Frequency:    "Monthly",
	}
}

func TestBuild_AllScope_OmitsPracticeFilter(t *testing.T) {
	recorder := events.NewRecorder()
	builder := NewFilterBuilder(recorder)
	grant := &authz.AccessGrant{Scope: authz.ScopeAll, PracticeIDs: []int{}, IncludesHierarchy: true}

	p, err := builder.Build(grant, baseConfig())
	require.NoError(t, err)

	assert.True(t, p.PracticeFilterOmitted)
	assert.Empty(t, p.PracticeIDs)
	assert.True(t, p.Unfiltered())
	assert.False(t, p.FailClosed())
	assert.Zero(t, recorder.Count(events.EventFailClosed))
}

func TestBuild_AllScope_NarrowingKept(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeAll, PracticeIDs: []int{}}

	cfg := baseConfig()
	cfg.PracticeIDs = []int{30, 10, 10, 20}

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)

	assert.False(t, p.PracticeFilterOmitted)
	assert.Equal(t, []int{10, 20, 30}, p.PracticeIDs)
	assert.False(t, p.Unfiltered())
}

func TestBuild_OrganizationScope_GrantApplied(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeOrganization, PracticeIDs: []int{12, 10, 11}}

	p, err := builder.Build(grant, baseConfig())
	require.NoError(t, err)

	assert.Equal(t, []int{10, 11, 12}, p.PracticeIDs)
	assert.False(t, p.PracticeFilterOmitted)
	assert.False(t, p.FailClosed())
}

func TestBuild_OrganizationScope_NarrowingIntersected(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeOrganization, PracticeIDs: []int{10, 11, 12}}

	cfg := baseConfig()
	cfg.PracticeIDs = []int{11, 12}

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12}, p.PracticeIDs)
}

func TestBuild_OrganizationScope_DisjointNarrowingFailsClosed(t *testing.T) {
	recorder := events.NewRecorder()
	builder := NewFilterBuilder(recorder)
	grant := &authz.AccessGrant{Scope: authz.ScopeOrganization, PracticeIDs: []int{10, 11}}

	cfg := baseConfig()
	cfg.PracticeIDs = []int{20}

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)

	assert.True(t, p.FailClosed())
	assert.Equal(t, []int{SentinelPracticeID}, p.PracticeIDs)

	failEvents := recorder.Named(events.EventFailClosed)
	require.Len(t, failEvents, 1)
	assert.Equal(t, "requested_practices_outside_grant", failEvents[0].Context["reason"])
	assert.Equal(t, "c1", failEvents[0].Context["chart_id"])
}

func TestBuild_OwnScope_ProviderCarriesScoping(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeOwn, PracticeIDs: []int{}, ProviderID: intPtr(42)}

	p, err := builder.Build(grant, baseConfig())
	require.NoError(t, err)

	assert.True(t, p.PracticeFilterOmitted)
	require.NotNil(t, p.ProviderID)
	assert.Equal(t, 42, *p.ProviderID)
	assert.False(t, p.Unfiltered(), "provider filter still applies")
	assert.False(t, p.FailClosed())
}

func TestBuild_FailClosedGrant_SentinelApplied(t *testing.T) {
	recorder := events.NewRecorder()
	builder := NewFilterBuilder(recorder)
	grant := &authz.AccessGrant{
		Scope:       authz.ScopeOrganization,
		PracticeIDs: []int{},
		FailClosed:  true,
		FailReason:  events.ReasonOrgHasNoPractices,
	}

	p, err := builder.Build(grant, baseConfig())
	require.NoError(t, err)

	assert.True(t, p.FailClosed())
	assert.Equal(t, []int{SentinelPracticeID}, p.PracticeIDs)
	assert.False(t, p.PracticeFilterOmitted)

	failEvents := recorder.Named(events.EventFailClosed)
	require.Len(t, failEvents, 1)
	assert.Equal(t, events.ReasonOrgHasNoPractices, failEvents[0].Context["reason"])
}

func TestBuild_EmptyGrantWithoutFlag_StillFailsClosed(t *testing.T) {
	// An organization grant that carries no practices and no fail-closed
	// flag is ambiguous. Ambiguity resolves to zero rows, never to an
	// unfiltered query.
	recorder := events.NewRecorder()
	builder := NewFilterBuilder(recorder)
	grant := &authz.AccessGrant{Scope: authz.ScopeOrganization, PracticeIDs: []int{}}

	p, err := builder.Build(grant, baseConfig())
	require.NoError(t, err)

	assert.True(t, p.FailClosed())
	assert.False(t, p.Unfiltered())
	require.Len(t, recorder.Named(events.EventFailClosed), 1)
	assert.Equal(t, "empty_practice_set", recorder.Named(events.EventFailClosed)[0].Context["reason"])
}

func TestBuild_ProviderNarrowingWithoutGrantProvider(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeOrganization, PracticeIDs: []int{10}}

	cfg := baseConfig()
	cfg.ProviderID = intPtr(7)

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)
	require.NotNil(t, p.ProviderID)
	assert.Equal(t, 7, *p.ProviderID)
}

func TestBuild_GrantProviderOverridesConfig(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeOwn, PracticeIDs: []int{}, ProviderID: intPtr(42)}

	cfg := baseConfig()
	cfg.ProviderID = intPtr(42)

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)
	assert.Equal(t, 42, *p.ProviderID)
}

func TestBuild_InvalidConfigRejected(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeAll, PracticeIDs: []int{}}

	cfg := baseConfig()
	cfg.Measure = "revenue"

	_, err := builder.Build(grant, cfg)
	assert.ErrorIs(t, err, ErrInvalidChartConfig)
}

func TestBuild_CopiesDoNotAliasConfig(t *testing.T) {
	builder := NewFilterBuilder(nil)
	grant := &authz.AccessGrant{Scope: authz.ScopeAll, PracticeIDs: []int{}}

	cfg := baseConfig()
	cfg.DateRange = &DateRange{Start: "2026-01-01", End: "2026-06-30"}
	cfg.AdvancedFilters = []FilterClause{{Field: "payer", Operator: OpEq, Value: "medicare"}}

	p, err := builder.Build(grant, cfg)
	require.NoError(t, err)

	cfg.DateRange.Start = "1999-01-01"
	cfg.AdvancedFilters[0].Value = "mutated"

	assert.Equal(t, "2026-01-01", p.DateRange.Start)
	assert.Equal(t, "medicare", p.AdvancedFilters[0].Value)
}
