package query

// SentinelPracticeID is the fail-closed practice filter value. No real
// practice carries a negative id, so an IN clause over it matches zero
// rows. Never conflated with "no filter".
const SentinelPracticeID = -1

// QueryParams is the canonical, immutable input to the row-compute
// backend and the cache key builder. Constructed fresh per chart
// evaluation by FilterBuilder; callers must not mutate it afterwards.
type QueryParams struct {
	DataSourceID int    `json:"data_source_id"`
	Measure      string `json:"measure"`
	Frequency    string `json:"frequency"`

	// PracticeIDs is sorted and deduplicated. Empty with
	// PracticeFilterOmitted set means "no practice filter" (all-scope
	// grants and own-scope grants, which are scoped by provider).
	// A fail-closed grant yields [SentinelPracticeID].
	PracticeIDs           []int `json:"practice_ids"`
	PracticeFilterOmitted bool  `json:"practice_filter_omitted"`

	ProviderID *int `json:"provider_id,omitempty"`

	DateRange *DateRange `json:"date_range,omitempty"`

	// AdvancedFilters keep the order declared in chart config; the
	// cache key canonicalizes them independently of this order.
	AdvancedFilters []FilterClause `json:"advanced_filters,omitempty"`

	// Composite specs are carried for classification only; sub-queries
	// are expanded into standard QueryParams before dispatch and these
	// never contribute to the cache key.
	MultiSeries      []SeriesSpec    `json:"multi_series,omitempty"`
	PeriodComparison *ComparisonSpec `json:"period_comparison,omitempty"`
}

// FailClosed reports whether the params carry the sentinel practice
// filter, i.e. they will match zero rows by construction.
func (p *QueryParams) FailClosed() bool {
	return len(p.PracticeIDs) == 1 && p.PracticeIDs[0] == SentinelPracticeID
}

// Unfiltered reports whether neither a practice nor a provider filter
// applies. Only all-scope grants may produce this.
func (p *QueryParams) Unfiltered() bool {
	return p.PracticeFilterOmitted && p.ProviderID == nil
}
