package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrInvalidChartConfig = errors.New("invalid chart config")
)

// InvalidFilterOperatorError is returned for an advanced filter using an
// operator outside the allow-list.
type InvalidFilterOperatorError struct {
	Operator string
}

func (e *InvalidFilterOperatorError) Error() string {
	return fmt.Sprintf("invalid filter operator: %q", e.Operator)
}

// Allowed filter operators. Anything else is rejected at build time.
const (
	OpEq     = "eq"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpIn     = "in"
	OpNotIn  = "not_in"
	OpLike   = "like"
	OpIsNull = "is_null"
)

var allowedOperators = map[string]bool{
	OpEq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpLike: true, OpIsNull: true,
}

// Measures served by the analytics engine.
var allowedMeasures = map[string]bool{
	"charges":     true,
	"payments":    true,
	"utilization": true,
}

// Reporting frequencies.
var allowedFrequencies = map[string]bool{
	"Daily":     true,
	"Weekly":    true,
	"Monthly":   true,
	"Quarterly": true,
	"Yearly":    true,
}

const dateLayout = "2006-01-02"

// DateRange is an inclusive [Start, End] window of civil dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r DateRange) validate() error {
	start, err := time.Parse(dateLayout, r.Start)
	if err != nil {
		return fmt.Errorf("%w: bad date range start %q", ErrInvalidChartConfig, r.Start)
	}
	end, err := time.Parse(dateLayout, r.End)
	if err != nil {
		return fmt.Errorf("%w: bad date range end %q", ErrInvalidChartConfig, r.End)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: date range end before start", ErrInvalidChartConfig)
	}
	return nil
}

// FilterClause is one advanced filter from chart config. Operators are
// allow-listed; field names are validated against the data source by
// the compute backend.
type FilterClause struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// SeriesSpec is one sub-series of a multi-series chart.
type SeriesSpec struct {
	Label   string `json:"label"`
	Measure string `json:"measure"`
}

// ComparisonSpec describes a period-comparison chart: the same measure
// over two date windows.
type ComparisonSpec struct {
	CurrentLabel  string    `json:"current_label"`
	PreviousLabel string    `json:"previous_label"`
	Current       DateRange `json:"current"`
	Previous      DateRange `json:"previous"`
}

// ChartKind classifies how a chart request is evaluated.
type ChartKind string

const (
	ChartStandard         ChartKind = "standard"
	ChartMultiSeries      ChartKind = "multi_series"
	ChartPeriodComparison ChartKind = "period_comparison"
)

// ChartConfig is the validated, explicitly-fielded chart configuration.
// Authored by the dashboard config source, validated here. Unknown JSON
// keys are rejected at construction rather than accessed ad hoc
// downstream.
type ChartConfig struct {
	ChartID      string `json:"chart_id"`
	DataSourceID int    `json:"data_source_id"`
	Measure      string `json:"measure"`
	Frequency    string `json:"frequency"`

	DateRange *DateRange `json:"date_range,omitempty"`

	// Optional narrowing filters. Validated against the caller's
	// AccessGrant before any query is built.
	PracticeIDs []int `json:"practice_ids,omitempty"`
	ProviderID  *int  `json:"provider_id,omitempty"`

	AdvancedFilters []FilterClause `json:"advanced_filters,omitempty"`

	MultiSeries      []SeriesSpec    `json:"multi_series,omitempty"`
	PeriodComparison *ComparisonSpec `json:"period_comparison,omitempty"`
}

// ParseChartConfig decodes and validates a chart config, rejecting
// unknown keys.
func ParseChartConfig(data []byte) (ChartConfig, error) {
	var cfg ChartConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return ChartConfig{}, fmt.Errorf("%w: %v", ErrInvalidChartConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return ChartConfig{}, err
	}
	return cfg, nil
}

// Kind classifies the chart. A config carrying both multi-series and
// period-comparison specs is rejected by Validate.
func (c ChartConfig) Kind() ChartKind {
	switch {
	case len(c.MultiSeries) > 0:
		return ChartMultiSeries
	case c.PeriodComparison != nil:
		return ChartPeriodComparison
	default:
		return ChartStandard
	}
}

// Validate checks measure/frequency allow-lists, filter operators, and
// series/comparison specs. Permission logic is not applied here.
func (c ChartConfig) Validate() error {
	if !allowedMeasures[c.Measure] {
		return fmt.Errorf("%w: unknown measure %q", ErrInvalidChartConfig, c.Measure)
	}
	if !allowedFrequencies[c.Frequency] {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidChartConfig, c.Frequency)
	}
	if c.DataSourceID <= 0 {
		return fmt.Errorf("%w: data_source_id must be positive", ErrInvalidChartConfig)
	}
	if c.DateRange != nil {
		if err := c.DateRange.validate(); err != nil {
			return err
		}
	}
	for _, f := range c.AdvancedFilters {
		if f.Field == "" {
			return fmt.Errorf("%w: advanced filter missing field", ErrInvalidChartConfig)
		}
		if !allowedOperators[f.Operator] {
			return &InvalidFilterOperatorError{Operator: f.Operator}
		}
	}
	if len(c.MultiSeries) > 0 && c.PeriodComparison != nil {
		return fmt.Errorf("%w: chart cannot be both multi-series and period-comparison", ErrInvalidChartConfig)
	}
	for _, s := range c.MultiSeries {
		if s.Label == "" {
			return fmt.Errorf("%w: series missing label", ErrInvalidChartConfig)
		}
		if !allowedMeasures[s.Measure] {
			return fmt.Errorf("%w: unknown series measure %q", ErrInvalidChartConfig, s.Measure)
		}
	}
	if pc := c.PeriodComparison; pc != nil {
		if err := pc.Current.validate(); err != nil {
			return err
		}
		if err := pc.Previous.validate(); err != nil {
			return err
		}
	}
	return nil
}
