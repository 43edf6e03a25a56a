package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250000
)

// DateRange is a GA4 date range; dates are YYYY-MM-DD or relative ("7daysAgo")
type DateRange struct {
	Start string `json:"start_date" yaml:"start_date"`
	End   string `json:"end_date" yaml:"end_date"`
}

// Resolve replaces the relative dates "today", "yesterday" and "NdaysAgo"
// with YYYY-MM-DD dates as of now. Other values are kept.
func (r DateRange) Resolve(now time.Time) DateRange {
	return DateRange{Start: resolveDate(r.Start, now), End: resolveDate(r.End, now)}
}

func resolveDate(value string, now time.Time) string {
	const layout = "2006-01-02"
	switch value {
	case "today":
		return now.Format(layout)
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(layout)
	}
	if days, ok := strings.CutSuffix(value, "daysAgo"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return now.AddDate(0, 0, -n).Format(layout)
		}
	}
	return value
}

// Query is an arbitrary report request
type Query struct {
	Dimensions []string  `json:"dimensions" yaml:"dimensions"`
	Metrics    []string  `json:"metrics" yaml:"metrics"`
	DateRange  DateRange `json:"date_range" yaml:"date_range"`
	Limit      int64     `json:"limit,omitempty" yaml:"limit,omitempty"`
	Offset     int64     `json:"offset,omitempty" yaml:"offset,omitempty"`
	Filters    []Filter  `json:"filters,omitempty" yaml:"filters,omitempty"`
	OrderBy    []OrderBy `json:"order_by,omitempty" yaml:"order_by,omitempty"`
}

// Filter is a single field filter. Filters on metric names become metric
// filters; all others are dimension filters. Multiple filters are ANDed.
type Filter struct {
	FieldName string `json:"field_name" yaml:"field_name"`
	Type      string `json:"type" yaml:"type"` // "string", "numeric", "between", "in_list"

	MatchType     string   `json:"match_type,omitempty" yaml:"match_type,omitempty"` // EXACT, CONTAINS, ...
	Value         string   `json:"value,omitempty" yaml:"value,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	Values        []string `json:"values,omitempty" yaml:"values,omitempty"`

	Operation string  `json:"operation,omitempty" yaml:"operation,omitempty"` // EQUAL, GREATER_THAN, ...
	Number    float64 `json:"number,omitempty" yaml:"number,omitempty"`
	From      float64 `json:"from,omitempty" yaml:"from,omitempty"`
	To        float64 `json:"to,omitempty" yaml:"to,omitempty"`
}

// OrderBy sorts by a dimension or metric in the query
type OrderBy struct {
	FieldName  string `json:"field_name" yaml:"field_name"`
	Descending bool   `json:"descending" yaml:"descending"`
	OrderType  string `json:"order_type,omitempty" yaml:"order_type,omitempty"` // dimensions only
}

// Validate checks the query and fills defaults
func (q *Query) Validate() error {
	if q.DateRange.Start == "" || q.DateRange.End == "" {
		return fmt.Errorf("date range is required (start_date and end_date)")
	}
	if len(q.Metrics) == 0 {
		return fmt.Errorf("at least one metric is required")
	}
	if q.Limit > MaxLimit {
		return fmt.Errorf("limit cannot exceed 250,000 rows")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}

	for i := range q.Filters {
		if err := q.Filters[i].validate(); err != nil {
			return fmt.Errorf("filter %d is invalid: %w", i+1, err)
		}
	}
	for i, o := range q.OrderBy {
		if !contains(q.Dimensions, o.FieldName) && !contains(q.Metrics, o.FieldName) {
			return fmt.Errorf("order by %d: field '%s' not found in dimensions or metrics", i+1, o.FieldName)
		}
	}
	return nil
}

func (f *Filter) validate() error {
	if f.FieldName == "" {
		return fmt.Errorf("field name is required")
	}

	switch f.Type {
	case "", "string":
		f.Type = "string"
		if f.MatchType == "" {
			f.MatchType = "EXACT"
		}
		if f.Value == "" {
			return fmt.Errorf("string value is required for string filter")
		}
		validMatchTypes := []string{"EXACT", "BEGINS_WITH", "ENDS_WITH", "CONTAINS", "FULL_REGEXP", "PARTIAL_REGEXP"}
		if !contains(validMatchTypes, f.MatchType) {
			return fmt.Errorf("invalid string match type: %s", f.MatchType)
		}
	case "numeric":
		validOperations := []string{"EQUAL", "LESS_THAN", "LESS_THAN_OR_EQUAL", "GREATER_THAN", "GREATER_THAN_OR_EQUAL"}
		if !contains(validOperations, f.Operation) {
			return fmt.Errorf("invalid numeric operation: %q", f.Operation)
		}
	case "between":
		if f.From >= f.To {
			return fmt.Errorf("between filter 'from' value must be less than 'to' value")
		}
	case "in_list":
		if len(f.Values) == 0 {
			return fmt.Errorf("in-list values are required for in_list filter")
		}
	default:
		return fmt.Errorf("invalid filter type: %s", f.Type)
	}
	return nil
}

// Request converts the query to a Data API request. Call Validate first.
func (q Query) Request() *analyticsdata.RunReportRequest {
	request := &analyticsdata.RunReportRequest{
		DateRanges:         []*analyticsdata.DateRange{{StartDate: q.DateRange.Start, EndDate: q.DateRange.End}},
		Limit:              q.Limit,
		Offset:             q.Offset,
		MetricAggregations: []string{"TOTAL"},
	}

	for _, name := range q.Dimensions {
		request.Dimensions = append(request.Dimensions, &analyticsdata.Dimension{Name: name})
	}
	for _, name := range q.Metrics {
		request.Metrics = append(request.Metrics, &analyticsdata.Metric{Name: name})
	}

	var dimensionFilters, metricFilters []*analyticsdata.FilterExpression
	for _, f := range q.Filters {
		expr := &analyticsdata.FilterExpression{Filter: f.toAPI()}
		if contains(q.Metrics, f.FieldName) {
			metricFilters = append(metricFilters, expr)
		} else {
			dimensionFilters = append(dimensionFilters, expr)
		}
	}
	request.DimensionFilter = andGroup(dimensionFilters)
	request.MetricFilter = andGroup(metricFilters)

	for _, o := range q.OrderBy {
		orderBy := &analyticsdata.OrderBy{Desc: o.Descending}
		if contains(q.Metrics, o.FieldName) {
			orderBy.Metric = &analyticsdata.MetricOrderBy{MetricName: o.FieldName}
		} else {
			orderBy.Dimension = &analyticsdata.DimensionOrderBy{DimensionName: o.FieldName, OrderType: o.OrderType}
		}
		request.OrderBys = append(request.OrderBys, orderBy)
	}

	return request
}

// RealtimeRequest converts the query to a realtime request; the date range,
// offset and ordering are ignored.
func (q Query) RealtimeRequest() *analyticsdata.RunRealtimeReportRequest {
	request := &analyticsdata.RunRealtimeReportRequest{
		Limit:              q.Limit,
		MetricAggregations: []string{"TOTAL"},
	}
	for _, name := range q.Dimensions {
		request.Dimensions = append(request.Dimensions, &analyticsdata.Dimension{Name: name})
	}
	for _, name := range q.Metrics {
		request.Metrics = append(request.Metrics, &analyticsdata.Metric{Name: name})
	}
	return request
}

func (f Filter) toAPI() *analyticsdata.Filter {
	apiFilter := &analyticsdata.Filter{FieldName: f.FieldName}

	switch f.Type {
	case "numeric":
		apiFilter.NumericFilter = &analyticsdata.NumericFilter{
			Operation: f.Operation,
			Value:     numericValue(f.Number),
		}
	case "between":
		apiFilter.BetweenFilter = &analyticsdata.BetweenFilter{
			FromValue: numericValue(f.From),
			ToValue:   numericValue(f.To),
		}
	case "in_list":
		apiFilter.InListFilter = &analyticsdata.InListFilter{
			Values:        f.Values,
			CaseSensitive: f.CaseSensitive,
		}
	default:
		apiFilter.StringFilter = &analyticsdata.StringFilter{
			MatchType:     f.MatchType,
			Value:         f.Value,
			CaseSensitive: f.CaseSensitive,
		}
	}
	return apiFilter
}

func numericValue(v float64) *analyticsdata.NumericValue {
	if v == float64(int64(v)) {
		// zero would otherwise be dropped by omitempty
		return &analyticsdata.NumericValue{Int64Value: int64(v), ForceSendFields: []string{"Int64Value"}}
	}
	return &analyticsdata.NumericValue{DoubleValue: v}
}

func andGroup(exprs []*analyticsdata.FilterExpression) *analyticsdata.FilterExpression {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return &analyticsdata.FilterExpression{
			AndGroup: &analyticsdata.FilterExpressionList{Expressions: exprs},
		}
	}
}

// CacheParams flattens the query into cache key parameters
func (q Query) CacheParams() map[string]string {
	params := map[string]string{
		"dims":    strings.Join(q.Dimensions, ","),
		"metrics": strings.Join(q.Metrics, ","),
		"start":   q.DateRange.Start,
		"end":     q.DateRange.End,
		"limit":   fmt.Sprint(q.Limit),
		"offset":  fmt.Sprint(q.Offset),
	}
	for i, f := range q.Filters {
		params[fmt.Sprintf("f%d", i)] = fmt.Sprintf("%s:%s:%s:%s:%v:%s:%g:%g:%g:%v",
			f.FieldName, f.Type, f.MatchType, f.Value, f.CaseSensitive, strings.Join(f.Values, "|"), f.Number, f.From, f.To, f.Operation)
	}
	for i, o := range q.OrderBy {
		params[fmt.Sprintf("o%d", i)] = fmt.Sprintf("%s:%v:%s", o.FieldName, o.Descending, o.OrderType)
	}
	return params
}

// Helper function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
