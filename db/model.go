package db

import "time"

// MeasureRow is one aggregated data point returned by the row-compute
// backend and cached by the measure cache.
type MeasureRow struct {
	PracticeID  int       `json:"practice_id"`
	ProviderID  *int      `json:"provider_id,omitempty"`
	PeriodStart time.Time `json:"period_start"`
	Measure     string    `json:"measure"`
	Value       float64   `json:"value"`

	// SeriesLabel tags rows of composite charts (multi-series and
	// period-comparison) with the sub-series or period they belong to.
	// Empty for standard charts; attached after compute, never part of
	// the cache key.
	SeriesLabel string `json:"series_label,omitempty"`
}
