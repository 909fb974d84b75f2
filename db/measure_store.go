package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pulseboardhq/pulseboard/query"
)

// Columns that advanced filters may reference. Field names from chart
// config never reach the SQL text unless they map through this table.
var filterColumns = map[string]string{
	"payer":        "payer",
	"cpt_code":     "cpt_code",
	"location":     "location",
	"department":   "department",
	"claim_status": "claim_status",
}

// MeasureStore computes measure rows from the pre-aggregated rollup
// table. It is the opaque compute function behind the measure cache.
type MeasureStore struct {
	DB *sql.DB
}

// NewMeasureStore creates a new measure compute backend.
func NewMeasureStore(database *sql.DB) *MeasureStore {
	return &MeasureStore{DB: database}
}

// Compute runs the rollup query described by params and returns the
// aggregated rows. Practice/provider scoping arrives already resolved
// inside params; no permission logic lives here.
func (s *MeasureStore) Compute(ctx context.Context, params *query.QueryParams) ([]MeasureRow, error) {
	sqlText, args, err := buildMeasureSQL(params)
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("measure query failed: %w", err)
	}
	defer rows.Close()

	var out []MeasureRow
	for rows.Next() {
		var row MeasureRow
		var provider sql.NullInt64
		if err := rows.Scan(&row.PracticeID, &provider, &row.PeriodStart, &row.Value); err != nil {
			return nil, fmt.Errorf("failed to scan measure row: %w", err)
		}
		if provider.Valid {
			p := int(provider.Int64)
			row.ProviderID = &p
		}
		row.Measure = params.Measure
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measure rows: %w", err)
	}
	return out, nil
}

func buildMeasureSQL(params *query.QueryParams) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "data_source_id = "+arg(params.DataSourceID))
	where = append(where, "measure = "+arg(params.Measure))
	where = append(where, "frequency = "+arg(params.Frequency))

	if !params.PracticeFilterOmitted {
		ids := make(pq.Int64Array, len(params.PracticeIDs))
		for i, id := range params.PracticeIDs {
			ids[i] = int64(id)
		}
		where = append(where, "practice_id = ANY("+arg(ids)+")")
	}

	if params.ProviderID != nil {
		where = append(where, "provider_id = "+arg(*params.ProviderID))
	}

	if params.DateRange != nil {
		where = append(where, "period_start >= "+arg(params.DateRange.Start))
		where = append(where, "period_start <= "+arg(params.DateRange.End))
	}

	for _, f := range params.AdvancedFilters {
		column, ok := filterColumns[f.Field]
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown filter field %q", query.ErrInvalidChartConfig, f.Field)
		}
		clause, err := filterSQL(column, f, arg)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
	}

	sqlText := `
		SELECT practice_id, provider_id, period_start, SUM(value) AS value
		FROM measure_rollups
		WHERE ` + strings.Join(where, "\n		AND ") + `
		GROUP BY practice_id, provider_id, period_start
		ORDER BY period_start, practice_id
	`
	return sqlText, args, nil
}

func filterSQL(column string, f query.FilterClause, arg func(any) string) (string, error) {
	switch f.Operator {
	case query.OpEq:
		return column + " = " + arg(f.Value), nil
	case query.OpGt:
		return column + " > " + arg(f.Value), nil
	case query.OpGte:
		return column + " >= " + arg(f.Value), nil
	case query.OpLt:
		return column + " < " + arg(f.Value), nil
	case query.OpLte:
		return column + " <= " + arg(f.Value), nil
	case query.OpLike:
		return column + " LIKE " + arg(f.Value), nil
	case query.OpIsNull:
		return column + " IS NULL", nil
	case query.OpIn:
		return column + " = ANY(" + arg(pq.Array(listValues(f.Value))) + ")", nil
	case query.OpNotIn:
		return column + " <> ALL(" + arg(pq.Array(listValues(f.Value))) + ")", nil
	default:
		return "", &query.InvalidFilterOperatorError{Operator: f.Operator}
	}
}

func listValues(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out
	default:
		return []any{v}
	}
}
