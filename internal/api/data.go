package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"

	"analytify/internal/logging"
	"analytify/internal/metrics"
)

// DataClient handles GA4 Data API report calls
type DataClient struct {
	auth       TokenSourcer
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	exceptions *ExceptionLog
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDataClient creates a new GA4 Data API client. An empty BaseURL uses
// the library's default endpoint.
func NewDataClient(auth TokenSourcer, opts ClientOptions) *DataClient {
	endpoint := opts.BaseURL
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &DataClient{
		auth:       auth,
		endpoint:   endpoint,
		httpClient: httpClient,
		limiter:    opts.limiter(),
		exceptions: opts.Exceptions,
		metrics:    opts.Metrics,
		logger:     logging.OrDefault(opts.Logger),
	}
}

func (c *DataClient) service(ctx context.Context) (*analyticsdata.Service, error) {
	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), c.auth.TokenSource(ctx))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	service, err := analyticsdata.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GA4 service: %w", err)
	}
	return service, nil
}

// RunReport executes a report against properties/<propertyID>
func (c *DataClient) RunReport(ctx context.Context, propertyID string, request *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	const op = "data.run_report"
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.runReport(ctx, op, propertyID, request)
	c.finish(ctx, op, start, err)
	return resp, err
}

func (c *DataClient) runReport(ctx context.Context, op, propertyID string, request *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	service, err := c.service(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	resp, err := service.Properties.RunReport(propertyName(propertyID), request).Context(ctx).Do()
	if err != nil {
		return nil, fromGoogleAPI(op, err)
	}
	return resp, nil
}

// RunRealtimeReport executes a realtime report against properties/<propertyID>
func (c *DataClient) RunRealtimeReport(ctx context.Context, propertyID string, request *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error) {
	const op = "data.run_realtime_report"
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.runRealtimeReport(ctx, op, propertyID, request)
	c.finish(ctx, op, start, err)
	return resp, err
}

func (c *DataClient) runRealtimeReport(ctx context.Context, op, propertyID string, request *analyticsdata.RunRealtimeReportRequest) (*analyticsdata.RunRealtimeReportResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	service, err := c.service(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	resp, err := service.Properties.RunRealtimeReport(propertyName(propertyID), request).Context(ctx).Do()
	if err != nil {
		return nil, fromGoogleAPI(op, err)
	}
	return resp, nil
}

func (c *DataClient) finish(ctx context.Context, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = KindOf(err).String()
		c.exceptions.Record(ctx, err)
		c.logger.Debug("GA4 Data API call failed", "op", op, "error", err)
	}
	c.metrics.RecordAPIRequest("data", op, status, time.Since(start))
}

func propertyName(propertyID string) string {
	if strings.HasPrefix(propertyID, "properties/") {
		return propertyID
	}
	return "properties/" + propertyID
}
