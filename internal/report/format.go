// Package report turns GA4 Data API responses into flat labeled results and
// runs the cached dashboard reports.
package report

import (
	"strconv"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
)

// Result is a flattened report: headers are metric names followed by
// dimension names, each row maps header to value, and aggregations hold the
// first totals row by metric name.
type Result struct {
	Headers      []string            `json:"headers"`
	Rows         []map[string]string `json:"rows"`
	Aggregations map[string]string   `json:"aggregations"`
	RowCount     int64               `json:"row_count"`
}

// Format flattens a runReport response. A nil or empty response yields an
// empty, well-formed result.
func Format(resp *analyticsdata.RunReportResponse) *Result {
	if resp == nil {
		return format(nil, nil, nil, nil, 0)
	}
	return format(resp.MetricHeaders, resp.DimensionHeaders, resp.Rows, resp.Totals, resp.RowCount)
}

// FormatRealtime flattens a runRealtimeReport response
func FormatRealtime(resp *analyticsdata.RunRealtimeReportResponse) *Result {
	if resp == nil {
		return format(nil, nil, nil, nil, 0)
	}
	return format(resp.MetricHeaders, resp.DimensionHeaders, resp.Rows, resp.Totals, resp.RowCount)
}

func format(metricHeaders []*analyticsdata.MetricHeader, dimensionHeaders []*analyticsdata.DimensionHeader, rows, totals []*analyticsdata.Row, rowCount int64) *Result {
	result := &Result{
		Headers:      make([]string, 0, len(metricHeaders)+len(dimensionHeaders)),
		Rows:         make([]map[string]string, 0, len(rows)),
		Aggregations: make(map[string]string),
		RowCount:     rowCount,
	}

	metricNames := make([]string, 0, len(metricHeaders))
	for _, h := range metricHeaders {
		if h != nil {
			metricNames = append(metricNames, h.Name)
		}
	}
	dimensionNames := make([]string, 0, len(dimensionHeaders))
	for _, h := range dimensionHeaders {
		if h != nil {
			dimensionNames = append(dimensionNames, h.Name)
		}
	}
	result.Headers = append(result.Headers, metricNames...)
	result.Headers = append(result.Headers, dimensionNames...)

	for _, row := range rows {
		if row == nil {
			continue
		}
		flat := make(map[string]string, len(result.Headers))
		for i, v := range row.MetricValues {
			if i < len(metricNames) && v != nil {
				flat[metricNames[i]] = v.Value
			}
		}
		for i, v := range row.DimensionValues {
			if i < len(dimensionNames) && v != nil {
				flat[dimensionNames[i]] = v.Value
			}
		}
		result.Rows = append(result.Rows, flat)
	}

	if len(totals) > 0 && totals[0] != nil {
		for i, v := range totals[0].MetricValues {
			if i < len(metricNames) && v != nil {
				result.Aggregations[metricNames[i]] = v.Value
			}
		}
	}

	if result.RowCount == 0 {
		result.RowCount = int64(len(result.Rows))
	}
	return result
}

// Float returns an aggregated metric as a number, 0 when absent or not numeric
func (r *Result) Float(metric string) float64 {
	if r == nil {
		return 0
	}
	v, err := strconv.ParseFloat(r.Aggregations[metric], 64)
	if err != nil {
		return 0
	}
	return v
}

// Column returns the value of header in every row, "" where absent
func (r *Result) Column(header string) []string {
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		out = append(out, row[header])
	}
	return out
}
