package schedule

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"analytify/internal/report"
)

// SummaryData feeds the summary template
type SummaryData struct {
	Title    string
	SiteName string
	SiteURL  string
	Range    report.DateRange
	Compare  report.DateRange
	Metrics  []MetricRow
	TopPages []PageRow
}

// MetricRow is one headline number with its comparison
type MetricRow struct {
	Label    string
	Value    string
	Previous string
	Change   string
	Up       bool
}

// PageRow is one top page
type PageRow struct {
	Title string
	Path  string
	Views string
}

type metricFormat struct {
	name   string
	label  string
	format func(float64) string
}

var summaryMetrics = []metricFormat{
	{"sessions", "Sessions", integer},
	{"totalUsers", "Visitors", integer},
	{"newUsers", "New visitors", integer},
	{"screenPageViews", "Page views", integer},
	{"engagedSessions", "Engaged sessions", integer},
	{"screenPageViewsPerSession", "Pages per session", decimal},
	{"averageSessionDuration", "Avg. time on site", duration},
	{"bounceRate", "Bounce rate", percent},
}

func titleFor(period Period) string {
	switch period {
	case Week:
		return "Weekly analytics summary"
	case Month:
		return "Monthly analytics summary"
	default:
		return "Test analytics summary"
	}
}

func metricRows(current, previous *report.Result) []MetricRow {
	rows := make([]MetricRow, 0, len(summaryMetrics))
	for _, m := range summaryMetrics {
		cur, prev := current.Float(m.name), previous.Float(m.name)
		row := MetricRow{
			Label:    m.label,
			Value:    m.format(cur),
			Previous: m.format(prev),
			Change:   "n/a",
			Up:       cur >= prev,
		}
		if prev != 0 {
			row.Change = fmt.Sprintf("%+.1f%%", (cur-prev)/prev*100)
		}
		rows = append(rows, row)
	}
	return rows
}

func pageRows(pages *report.Result) []PageRow {
	if pages == nil {
		return nil
	}
	rows := make([]PageRow, 0, len(pages.Rows))
	for _, r := range pages.Rows {
		rows = append(rows, PageRow{Title: r["pageTitle"], Path: r["pagePath"], Views: r["screenPageViews"]})
	}
	return rows
}

func integer(v float64) string {
	return strconv.FormatInt(int64(math.Round(v)), 10)
}

func decimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

func duration(v float64) string {
	return (time.Duration(math.Round(v)) * time.Second).String()
}
