// Package schedule decides when summary emails are due and sends them.
package schedule

import (
	"strings"
	"time"

	"analytify/internal/config"
	"analytify/internal/report"
)

// DateLayout is the GA4 date format
const DateLayout = "2006-01-02"

// Period is a summary period
type Period string

const (
	Week  Period = "week"
	Month Period = "month"
	Test  Period = "test"
)

// WhenToSend returns the periods due at now. A test trigger yields exactly
// one Test entry whatever the date. Month is due on the configured day,
// or on the last day of a month shorter than it.
func WhenToSend(now time.Time, cfg config.EmailConfig, test bool) []Period {
	if test {
		return []Period{Test}
	}

	due := []Period{}
	if cfg.WeekDay != "" && strings.EqualFold(now.Weekday().String(), strings.TrimSpace(cfg.WeekDay)) {
		due = append(due, Week)
	}

	if cfg.MonthDay > 0 {
		day := now.Day()
		last := lastDayOfMonth(now)
		if day == cfg.MonthDay || (day == last && cfg.MonthDay >= last) {
			due = append(due, Month)
		}
	}
	return due
}

// Ranges returns the reporting range for period ending at now and the
// comparison range of equal length immediately preceding it.
func Ranges(period Period, now time.Time) (current, compare report.DateRange) {
	end := dateOf(now)

	var start time.Time
	switch period {
	case Month:
		start = monthBefore(end)
	default:
		start = end.AddDate(0, 0, -7)
	}

	current = report.DateRange{Start: start.Format(DateLayout), End: end.Format(DateLayout)}
	compare, _ = CompareRange(current.Start, current.End)
	return current, compare
}

// CompareRange returns the range of equal length ending the day before
// start, and the length of the input range in days. Unparsable dates yield
// 0 days and a comparison range starting and ending at start.
func CompareRange(start, end string) (report.DateRange, int) {
	s, errStart := time.Parse(DateLayout, start)
	e, errEnd := time.Parse(DateLayout, end)
	if errStart != nil || errEnd != nil || e.Before(s) {
		return report.DateRange{Start: start, End: start}, 0
	}

	days := int(e.Sub(s).Hours() / 24)
	compareEnd := s.AddDate(0, 0, -1)
	compareStart := compareEnd.AddDate(0, 0, -days)
	return report.DateRange{Start: compareStart.Format(DateLayout), End: compareEnd.Format(DateLayout)}, days
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// monthBefore steps back one calendar month, clamping to the last day of
// the shorter month (Mar 31 → Feb 29).
func monthBefore(t time.Time) time.Time {
	firstOfPrev := time.Date(t.Year(), t.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	day := t.Day()
	if last := lastDayOfMonth(firstOfPrev); day > last {
		day = last
	}
	return time.Date(firstOfPrev.Year(), firstOfPrev.Month(), day, 0, 0, 0, 0, time.UTC)
}
