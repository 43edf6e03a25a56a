package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"

	"analytify/internal/api"
	"analytify/internal/cache"
	"analytify/internal/logging"
	"analytify/internal/store"
)

type fakeReporter struct {
	calls    int
	realtime int
	last     *analyticsdata.RunReportRequest
	resp     *analyticsdata.RunReportResponse
	err      error
}

func (f *fakeReporter) RunReport(_ context.Context, _ string, request *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	f.calls++
	f.last = request
	return f.resp, f.err
}

func (f *fakeReporter) RunRealtimeReport(context.Context, string, *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error) {
	f.realtime++
	return &analyticsdata.RunRealtimeReportResponse{
		MetricHeaders: []*analyticsdata.MetricHeader{{Name: "activeUsers"}},
		Totals:        []*analyticsdata.Row{{MetricValues: []*analyticsdata.MetricValue{{Value: "3"}}}},
	}, nil
}

type staticProperty struct {
	id  string
	err error
}

func (p staticProperty) ReportingPropertyID(context.Context) (string, error) {
	return p.id, p.err
}

func sessionsResponse() *analyticsdata.RunReportResponse {
	return &analyticsdata.RunReportResponse{
		MetricHeaders: []*analyticsdata.MetricHeader{{Name: "sessions"}},
		Totals:        []*analyticsdata.Row{{MetricValues: []*analyticsdata.MetricValue{{Value: "42"}}}},
	}
}

func newTestService(reporter Reporter, props PropertySource) *Service {
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	s := store.NewMemory(func() time.Time { return now })
	return NewService(reporter, props, cache.New(s, 0, nil, logging.Discard()), time.Hour, logging.Discard())
}

func TestService_GeneralStatsIsCached(t *testing.T) {
	reporter := &fakeReporter{resp: sessionsResponse()}
	svc := newTestService(reporter, staticProperty{id: "123"})
	ctx := context.Background()
	r := DateRange{Start: "2024-05-27", End: "2024-06-02"}

	first, err := svc.GeneralStats(ctx, r)
	require.NoError(t, err)
	second, err := svc.GeneralStats(ctx, r)
	require.NoError(t, err)

	assert.Equal(t, 1, reporter.calls)
	assert.Equal(t, "42", first.Aggregations["sessions"])
	assert.Equal(t, first, second)
	require.Len(t, reporter.last.Metrics, len(GeneralMetrics))

	_, err = svc.GeneralStats(ctx, DateRange{Start: "2024-05-20", End: "2024-05-26"})
	require.NoError(t, err)
	assert.Equal(t, 2, reporter.calls, "a different range is a different entry")
}

func TestService_FailureNotCached(t *testing.T) {
	reporter := &fakeReporter{err: &api.Error{Kind: api.KindTransport, Op: "data.run_report"}}
	svc := newTestService(reporter, staticProperty{id: "123"})
	r := DateRange{Start: "7daysAgo", End: "today"}

	_, err := svc.GeneralStats(context.Background(), r)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindTransport))

	reporter.err = nil
	reporter.resp = sessionsResponse()
	result, err := svc.GeneralStats(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 2, reporter.calls)
	assert.Equal(t, "42", result.Aggregations["sessions"])
}

func TestService_Named(t *testing.T) {
	tests := map[string]struct {
		name      string
		wantDims  []string
		wantOrder string
		wantErr   api.Kind
	}{
		"pages":     {name: Pages, wantDims: []string{"pagePath", "pageTitle"}, wantOrder: "screenPageViews"},
		"countries": {name: Countries, wantDims: []string{"country"}, wantOrder: "sessions"},
		"sources":   {name: Sources, wantDims: []string{"sessionSource"}, wantOrder: "sessions"},
		"events":    {name: Events, wantDims: []string{"eventName"}, wantOrder: "eventCount"},
		"unknown":   {name: "bogus", wantErr: api.KindPayload},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			reporter := &fakeReporter{resp: &analyticsdata.RunReportResponse{}}
			svc := newTestService(reporter, staticProperty{id: "123"})

			_, err := svc.Named(context.Background(), tc.name, DateRange{Start: "30daysAgo", End: "today"}, 5)
			if tc.wantErr != api.KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tc.wantErr, api.KindOf(err))
				assert.Zero(t, reporter.calls)
				return
			}
			require.NoError(t, err)

			var dims []string
			for _, d := range reporter.last.Dimensions {
				dims = append(dims, d.Name)
			}
			assert.Equal(t, tc.wantDims, dims)
			assert.Equal(t, int64(5), reporter.last.Limit)
			require.Len(t, reporter.last.OrderBys, 1)
			assert.Equal(t, tc.wantOrder, reporter.last.OrderBys[0].Metric.MetricName)
			assert.True(t, reporter.last.OrderBys[0].Desc)
		})
	}
}

func TestService_NoReportingProperty(t *testing.T) {
	notConfigured := &api.Error{Kind: api.KindNotConfigured, Op: "property.reporting"}
	reporter := &fakeReporter{}
	svc := newTestService(reporter, staticProperty{err: notConfigured})

	_, err := svc.GeneralStats(context.Background(), DateRange{Start: "7daysAgo", End: "today"})
	assert.True(t, errors.Is(err, notConfigured))
	_, err = svc.Realtime(context.Background(), 0)
	assert.True(t, errors.Is(err, notConfigured))
	assert.Zero(t, reporter.calls)
}

func TestService_RealtimeIsNotCached(t *testing.T) {
	reporter := &fakeReporter{}
	svc := newTestService(reporter, staticProperty{id: "123"})

	for i := 0; i < 2; i++ {
		result, err := svc.Realtime(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, "3", result.Aggregations["activeUsers"])
	}
	assert.Equal(t, 2, reporter.realtime)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{Countries, Events, General, Pages, Sources}, Names())
}

func TestService_RelativeRangeKeysOnResolvedDay(t *testing.T) {
	reporter := &fakeReporter{resp: sessionsResponse()}
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	s := store.NewMemory(func() time.Time { return now })
	svc := NewService(reporter, staticProperty{id: "123"}, cache.New(s, 0, nil, logging.Discard()), 48*time.Hour, logging.Discard())
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	r := DateRange{Start: "30daysAgo", End: "today"}

	_, err := svc.GeneralStats(ctx, r)
	require.NoError(t, err)
	now = now.Add(6 * time.Hour)
	_, err = svc.GeneralStats(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, reporter.calls, "same day hits the cache")

	now = now.Add(24 * time.Hour)
	_, err = svc.GeneralStats(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 2, reporter.calls, "next day fetches a fresh window")
	assert.Equal(t, "today", reporter.last.DateRanges[0].EndDate)
}
