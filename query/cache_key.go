package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// KeyPrefix namespaces every measure cache key so the whole measure
// cache can be invalidated by prefix. The version segment bumps when
// the key layout changes, abandoning stale entries instead of decoding
// them wrong.
const KeyPrefix = "measures:v1"

// Placeholder stands in for any absent optional key field so the key
// shape is stable regardless of which optional fields were set.
const placeholder = "-"

// unfilteredToken marks an omitted practice filter (all-scope grants).
// Distinct from the sentinel list, which joins to "-1".
const unfilteredToken = "*"

// keyEscaper escapes every separator character used in key assembly
// inside free-text segments (filter fields and values). Without it a
// crafted value like "x|payer~eq~y" forges extra clauses and two
// different filter sets collide on one key.
var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"~", "%7E",
	"|", "%7C",
	",", "%2C",
)

// BuildKey derives the deterministic cache key for params.
//
// The field order is fixed:
//
//	data_source_id : measure : practice_ids : provider_id : frequency : date_range : advanced_filters
//
// Two semantically equal QueryParams must produce identical keys, no
// matter the construction order of their inputs: practice ids are
// sorted, advanced filters are sorted by field name, and in-list values
// are sorted. A loose key here is a cross-tenant data leak through
// cache hits; a non-deterministic one silently defeats caching.
func BuildKey(p *QueryParams) string {
	parts := []string{
		KeyPrefix,
		strconv.Itoa(p.DataSourceID),
		p.Measure,
		practiceKey(p),
		providerKey(p),
		p.Frequency,
		dateRangeKey(p.DateRange),
		filtersKey(p.AdvancedFilters),
	}
	return strings.Join(parts, ":")
}

func practiceKey(p *QueryParams) string {
	if p.PracticeFilterOmitted {
		return unfilteredToken
	}
	if len(p.PracticeIDs) == 0 {
		// Defensive: an empty, non-omitted practice list keys like the
		// sentinel so it can never collide with an unfiltered entry.
		return strconv.Itoa(SentinelPracticeID)
	}
	ids := make([]int, len(p.PracticeIDs))
	copy(ids, p.PracticeIDs)
	sort.Ints(ids)
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	return strings.Join(strs, ",")
}

func providerKey(p *QueryParams) string {
	if p.ProviderID == nil {
		return placeholder
	}
	return strconv.Itoa(*p.ProviderID)
}

func dateRangeKey(r *DateRange) string {
	if r == nil {
		return placeholder
	}
	return r.Start + ".." + r.End
}

func filtersKey(filters []FilterClause) string {
	if len(filters) == 0 {
		return placeholder
	}
	canon := make([]string, len(filters))
	for i, f := range filters {
		canon[i] = keyEscaper.Replace(f.Field) + "~" + f.Operator + "~" + canonicalValue(f.Value)
	}
	// Order-independence: filters supplied in different input order
	// must canonicalize into identical keys.
	sort.Strings(canon)
	return strings.Join(canon, "|")
}

// canonicalValue renders a filter value independent of how it was
// constructed: list elements are canonicalized first and then sorted
// lexically, so []int{2, 10} and its JSON-decoded form []any{2.0, 10.0}
// render identically. Free-text segments go through keyEscaper.
func canonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return placeholder
	case []any:
		strs := make([]string, len(val))
		for i, item := range val {
			strs[i] = canonicalValue(item)
		}
		sort.Strings(strs)
		return strings.Join(strs, ",")
	case []string:
		strs := make([]string, len(val))
		for i, s := range val {
			strs[i] = keyEscaper.Replace(s)
		}
		sort.Strings(strs)
		return strings.Join(strs, ",")
	case []int:
		strs := make([]string, len(val))
		for i, n := range val {
			strs[i] = strconv.Itoa(n)
		}
		sort.Strings(strs)
		return strings.Join(strs, ",")
	case string:
		return keyEscaper.Replace(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return keyEscaper.Replace(fmt.Sprintf("%v", val))
	}
}
