package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"

	"analytify/internal/api"
	"analytify/internal/cache"
	"analytify/internal/logging"
)

// Report names served by Named
const (
	General   = "general"
	Pages     = "pages"
	Countries = "countries"
	Sources   = "sources"
	Events    = "events"
)

// GeneralMetrics are the headline numbers of the dashboard and email summary
var GeneralMetrics = []string{
	"sessions",
	"totalUsers",
	"newUsers",
	"screenPageViews",
	"bounceRate",
	"averageSessionDuration",
	"engagedSessions",
	"screenPageViewsPerSession",
}

// Reporter runs Data API reports
type Reporter interface {
	RunReport(ctx context.Context, propertyID string, request *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error)
	RunRealtimeReport(ctx context.Context, propertyID string, request *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error)
}

// PropertySource resolves the property reports are run against
type PropertySource interface {
	ReportingPropertyID(ctx context.Context) (string, error)
}

// Service runs the dashboard reports through the report cache
type Service struct {
	data   Reporter
	props  PropertySource
	cache  *cache.Cache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a report service. ttl <= 0 uses cache.ReportTTL.
func NewService(data Reporter, props PropertySource, c *cache.Cache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = cache.ReportTTL
	}
	return &Service{data: data, props: props, cache: c, ttl: ttl, logger: logging.OrDefault(logger), now: time.Now}
}

// Names lists the reports Named accepts
func Names() []string {
	names := make([]string, 0, len(namedQueries))
	for name := range namedQueries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var namedQueries = map[string]func(r DateRange, limit int64) Query{
	General: func(r DateRange, _ int64) Query {
		return Query{Metrics: GeneralMetrics, DateRange: r, Limit: 1}
	},
	Pages: func(r DateRange, limit int64) Query {
		return Query{
			Dimensions: []string{"pagePath", "pageTitle"},
			Metrics:    []string{"screenPageViews", "totalUsers"},
			DateRange:  r,
			Limit:      limit,
			OrderBy:    []OrderBy{{FieldName: "screenPageViews", Descending: true}},
		}
	},
	Countries: func(r DateRange, limit int64) Query {
		return Query{
			Dimensions: []string{"country"},
			Metrics:    []string{"sessions"},
			DateRange:  r,
			Limit:      limit,
			OrderBy:    []OrderBy{{FieldName: "sessions", Descending: true}},
		}
	},
	Sources: func(r DateRange, limit int64) Query {
		return Query{
			Dimensions: []string{"sessionSource"},
			Metrics:    []string{"sessions"},
			DateRange:  r,
			Limit:      limit,
			OrderBy:    []OrderBy{{FieldName: "sessions", Descending: true}},
		}
	},
	Events: func(r DateRange, limit int64) Query {
		return Query{
			Dimensions: []string{"eventName"},
			Metrics:    []string{"eventCount"},
			DateRange:  r,
			Limit:      limit,
			OrderBy:    []OrderBy{{FieldName: "eventCount", Descending: true}},
		}
	},
}

// Named runs one of the built-in reports
func (s *Service) Named(ctx context.Context, name string, r DateRange, limit int64) (*Result, error) {
	build, ok := namedQueries[name]
	if !ok {
		return nil, &api.Error{Kind: api.KindPayload, Op: "report." + name, Message: fmt.Sprintf("unknown report %q", name)}
	}
	return s.Run(ctx, name, build(r, limit))
}

// GeneralStats returns the headline metrics for r
func (s *Service) GeneralStats(ctx context.Context, r DateRange) (*Result, error) {
	return s.Named(ctx, General, r, 1)
}

// TopPages returns the most viewed pages for r
func (s *Service) TopPages(ctx context.Context, r DateRange, limit int64) (*Result, error) {
	return s.Named(ctx, Pages, r, limit)
}

// Run executes an arbitrary query against the reporting property. Results
// are cached under the report name, property, query parameters and the
// calendar dates a relative range resolves to.
func (s *Service) Run(ctx context.Context, name string, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, &api.Error{Kind: api.KindPayload, Op: "report." + name, Message: err.Error()}
	}
	propertyID, err := s.props.ReportingPropertyID(ctx)
	if err != nil {
		return nil, err
	}

	// relative dates key on the day they resolve to
	params := q.CacheParams()
	resolved := q.DateRange.Resolve(s.now())
	params["start"], params["end"] = resolved.Start, resolved.End
	params["property"] = propertyID
	key := cache.Key("report_"+name, params)

	return cache.GetOrFetch(ctx, s.cache, key, s.ttl, func(ctx context.Context) (*Result, error) {
		s.logger.Debug("running report", "report", name, "property_id", propertyID)
		resp, err := s.data.RunReport(ctx, propertyID, q.Request())
		if err != nil {
			return nil, err
		}
		return Format(resp), nil
	})
}

// Realtime returns active users by screen for the last 30 minutes. It is
// never cached.
func (s *Service) Realtime(ctx context.Context, limit int64) (*Result, error) {
	propertyID, err := s.props.ReportingPropertyID(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := Query{
		Dimensions: []string{"unifiedScreenName"},
		Metrics:    []string{"activeUsers", "screenPageViews"},
		Limit:      limit,
	}
	resp, err := s.data.RunRealtimeReport(ctx, propertyID, q.RealtimeRequest())
	if err != nil {
		return nil, err
	}
	return FormatRealtime(resp), nil
}
