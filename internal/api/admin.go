package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"analytify/internal/config"
	"analytify/internal/logging"
	"analytify/internal/metrics"
)

const (
	DefaultAdminBaseURL = "https://analyticsadmin.googleapis.com/v1alpha"
	DefaultMaxPages     = 10

	listTimeout   = 20 * time.Second
	createTimeout = 60 * time.Second
	secretTimeout = 5 * time.Second

	maxBodyBytes = 10 << 20
)

// ClientOptions configures the Admin and Data API clients
type ClientOptions struct {
	BaseURL           string
	HTTPClient        *http.Client // base transport under the oauth2 layer
	RequestsPerSecond float64      // 0 = unlimited
	MaxPages          int          // paginated fetch cap, default 10
	Exceptions        *ExceptionLog
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

func (o ClientOptions) limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(o.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
}

// AdminClient handles GA4 Admin API operations
type AdminClient struct {
	auth       TokenSourcer
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxPages   int
	exceptions *ExceptionLog
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewAdminClient creates a new GA4 Admin API client
func NewAdminClient(auth TokenSourcer, opts ClientOptions) *AdminClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAdminBaseURL
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &AdminClient{
		auth:       auth,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    opts.limiter(),
		maxPages:   maxPages,
		exceptions: opts.Exceptions,
		metrics:    opts.Metrics,
		logger:     logging.OrDefault(opts.Logger),
	}
}

// GA4 Admin API response structures
type accountsResponse struct {
	Accounts []struct {
		Name        string `json:"name"`        // "accounts/71671299"
		DisplayName string `json:"displayName"` // "T-Mobile Tuesdays"
		RegionCode  string `json:"regionCode"`  // "US"
		CreateTime  string `json:"createTime"`  // "2015-12-22T21:15:23.770Z"
		Deleted     bool   `json:"deleted"`
	} `json:"accounts"`
	NextPageToken string `json:"nextPageToken"`
}

type propertiesResponse struct {
	Properties []struct {
		Name             string `json:"name"`         // "properties/328687832"
		DisplayName      string `json:"displayName"`  // "GA4 Metro - Prod"
		CreateTime       string `json:"createTime"`   // "2022-08-24T17:32:15.234Z"
		Parent           string `json:"parent"`       // "accounts/71671299"
		CurrencyCode     string `json:"currencyCode"` // "USD"
		TimeZone         string `json:"timeZone"`     // "America/Los_Angeles"
		IndustryCategory string `json:"industryCategory"`
		Deleted          bool   `json:"deleted"`
	} `json:"properties"`
	NextPageToken string `json:"nextPageToken"`
}

type dataStream struct {
	Name          string `json:"name"` // "properties/1/dataStreams/2"
	Type          string `json:"type"` // "WEB_DATA_STREAM"
	DisplayName   string `json:"displayName"`
	WebStreamData *struct {
		MeasurementID string `json:"measurementId"` // "G-XXXXXXX"
		DefaultURI    string `json:"defaultUri"`
	} `json:"webStreamData,omitempty"`
}

type dataStreamsResponse struct {
	DataStreams   []dataStream `json:"dataStreams"`
	NextPageToken string       `json:"nextPageToken"`
}

// MeasurementSecret is a Measurement Protocol API secret of a stream
type MeasurementSecret struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	SecretValue string `json:"secretValue"`
}

type measurementSecretsResponse struct {
	Secrets       []MeasurementSecret `json:"measurementProtocolSecrets"`
	NextPageToken string              `json:"nextPageToken"`
}

type customDimensionsResponse struct {
	CustomDimensions []config.CustomDimension `json:"customDimensions"`
	NextPageToken    string                   `json:"nextPageToken"`
}

// ListAccounts retrieves all GA4 accounts accessible by the stored token
func (c *AdminClient) ListAccounts(ctx context.Context) ([]config.Account, error) {
	accounts := []config.Account{}
	query := url.Values{"pageSize": {"200"}}

	err := c.paginate(ctx, "admin.list_accounts", "/accounts", query, func(data []byte) (string, error) {
		var apiResponse accountsResponse
		if err := json.Unmarshal(data, &apiResponse); err != nil {
			return "", err
		}

		for _, apiAccount := range apiResponse.Accounts {
			if apiAccount.Deleted {
				continue
			}
			accounts = append(accounts, config.Account{
				ID:          extractIDFromResource(apiAccount.Name, "accounts/"),
				Name:        apiAccount.Name,
				DisplayName: apiAccount.DisplayName,
				RegionCode:  apiAccount.RegionCode,
				CreateTime:  parseTime(apiAccount.CreateTime),
				Properties:  []config.Property{},
			})
		}
		return apiResponse.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

// ListProperties retrieves the properties of one account
func (c *AdminClient) ListProperties(ctx context.Context, accountID string) ([]config.Property, error) {
	properties := []config.Property{}
	// GA4 Admin API requires a filter parameter for listing properties
	query := url.Values{
		"filter":   {"parent:accounts/" + accountID},
		"pageSize": {"200"},
	}

	err := c.paginate(ctx, "admin.list_properties", "/properties", query, func(data []byte) (string, error) {
		var apiResponse propertiesResponse
		if err := json.Unmarshal(data, &apiResponse); err != nil {
			return "", err
		}

		for _, apiProperty := range apiResponse.Properties {
			if apiProperty.Deleted {
				continue
			}
			properties = append(properties, config.Property{
				ID:               extractIDFromResource(apiProperty.Name, "properties/"),
				Name:             apiProperty.Name,
				DisplayName:      apiProperty.DisplayName,
				Parent:           apiProperty.Parent,
				IndustryCategory: apiProperty.IndustryCategory,
				TimeZone:         apiProperty.TimeZone,
				CurrencyCode:     apiProperty.CurrencyCode,
				CreateTime:       parseTime(apiProperty.CreateTime),
			})
		}
		return apiResponse.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	return properties, nil
}

// ListAccountsWithProperties lists every account with its properties, one
// account at a time. An account whose property listing fails keeps its
// place with no properties.
func (c *AdminClient) ListAccountsWithProperties(ctx context.Context) ([]config.Account, error) {
	accounts, err := c.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	for i := range accounts {
		properties, err := c.ListProperties(ctx, accounts[i].ID)
		if err != nil {
			c.logger.Warn("failed to list properties", "account", accounts[i].Name, "error", err)
			continue
		}
		accounts[i].Properties = properties
	}

	return accounts, nil
}

// ListDataStreams lists the data streams of a property
func (c *AdminClient) ListDataStreams(ctx context.Context, propertyID string) ([]config.Stream, error) {
	streams := []config.Stream{}
	path := fmt.Sprintf("/properties/%s/dataStreams", propertyID)

	err := c.paginate(ctx, "admin.list_streams", path, url.Values{"pageSize": {"200"}}, func(data []byte) (string, error) {
		var apiResponse dataStreamsResponse
		if err := json.Unmarshal(data, &apiResponse); err != nil {
			return "", err
		}
		for _, ds := range apiResponse.DataStreams {
			streams = append(streams, ds.toStream())
		}
		return apiResponse.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	return streams, nil
}

// CreateWebDataStream creates a web stream for uri
func (c *AdminClient) CreateWebDataStream(ctx context.Context, propertyID, displayName, uri string) (config.Stream, error) {
	const op = "admin.create_stream"
	body := map[string]interface{}{
		"type":          "WEB_DATA_STREAM",
		"displayName":   displayName,
		"webStreamData": map[string]string{"defaultUri": uri},
	}

	var created dataStream
	path := fmt.Sprintf("/properties/%s/dataStreams", propertyID)
	if err := c.do(ctx, op, http.MethodPost, path, nil, body, createTimeout, &created); err != nil {
		return config.Stream{}, err
	}

	stream := created.toStream()
	if stream.Name == "" || stream.MeasurementID == "" {
		return config.Stream{}, &Error{Kind: KindPayload, Op: op, Message: "response has no stream name or measurement id"}
	}
	return stream, nil
}

// ListMeasurementSecrets lists the Measurement Protocol secrets of a stream.
// streamName is the full resource name, "properties/1/dataStreams/2".
func (c *AdminClient) ListMeasurementSecrets(ctx context.Context, streamName string) ([]MeasurementSecret, error) {
	var apiResponse measurementSecretsResponse
	path := "/" + streamName + "/measurementProtocolSecrets"
	if err := c.do(ctx, "admin.list_secrets", http.MethodGet, path, nil, nil, secretTimeout, &apiResponse); err != nil {
		return nil, err
	}

	if apiResponse.Secrets == nil {
		return []MeasurementSecret{}, nil
	}
	return apiResponse.Secrets, nil
}

// CreateMeasurementSecret creates a Measurement Protocol secret for a stream
func (c *AdminClient) CreateMeasurementSecret(ctx context.Context, streamName, displayName string) (MeasurementSecret, error) {
	const op = "admin.create_secret"
	var created MeasurementSecret
	path := "/" + streamName + "/measurementProtocolSecrets"
	body := map[string]string{"displayName": displayName}
	if err := c.do(ctx, op, http.MethodPost, path, nil, body, secretTimeout, &created); err != nil {
		return MeasurementSecret{}, err
	}

	if created.SecretValue == "" {
		return MeasurementSecret{}, &Error{Kind: KindPayload, Op: op, Message: "response has no secretValue"}
	}
	return created, nil
}

// ListCustomDimensions lists the custom dimensions of a property
func (c *AdminClient) ListCustomDimensions(ctx context.Context, propertyID string) ([]config.CustomDimension, error) {
	dimensions := []config.CustomDimension{}
	path := fmt.Sprintf("/properties/%s/customDimensions", propertyID)

	err := c.paginate(ctx, "admin.list_dimensions", path, url.Values{"pageSize": {"200"}}, func(data []byte) (string, error) {
		var apiResponse customDimensionsResponse
		if err := json.Unmarshal(data, &apiResponse); err != nil {
			return "", err
		}
		dimensions = append(dimensions, apiResponse.CustomDimensions...)
		return apiResponse.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	return dimensions, nil
}

// CreateCustomDimension registers dim on a property
func (c *AdminClient) CreateCustomDimension(ctx context.Context, propertyID string, dim config.CustomDimension) (config.CustomDimension, error) {
	const op = "admin.create_dimension"
	dim.Name = ""

	var created config.CustomDimension
	path := fmt.Sprintf("/properties/%s/customDimensions", propertyID)
	if err := c.do(ctx, op, http.MethodPost, path, nil, dim, createTimeout, &created); err != nil {
		return config.CustomDimension{}, err
	}

	if created.ParameterName == "" {
		return config.CustomDimension{}, &Error{Kind: KindPayload, Op: op, Message: "response has no parameterName"}
	}
	return created, nil
}

// paginate fetches every page of a list endpoint, up to maxPages. page
// decodes one response body and returns the next page token.
func (c *AdminClient) paginate(ctx context.Context, op, path string, query url.Values, page func(data []byte) (string, error)) error {
	pageToken := ""
	for i := 0; i < c.maxPages; i++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var raw json.RawMessage
		if err := c.do(ctx, op, http.MethodGet, path, q, nil, listTimeout, &raw); err != nil {
			return err
		}

		next, err := page(raw)
		if err != nil {
			return &Error{Kind: KindPayload, Op: op, Err: err}
		}
		if next == "" {
			return nil
		}
		pageToken = next
	}

	c.logger.Warn("pagination cap reached", "op", op, "max_pages", c.maxPages)
	return nil
}

// do issues one Bearer-authenticated JSON request and decodes the 2xx body into out
func (c *AdminClient) do(ctx context.Context, op, method, path string, query url.Values, body interface{}, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.roundTrip(ctx, op, method, path, query, body, out)
	status := "ok"
	if err != nil {
		status = KindOf(err).String()
		c.exceptions.Record(ctx, err)
	}
	c.metrics.RecordAPIRequest("admin", op, status, time.Since(start))
	return err
}

func (c *AdminClient) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindPayload, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), c.auth.TokenSource(ctx))
	resp, err := httpClient.Do(req)
	if err != nil {
		// token failures surface through the transport with their own kind
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf("failed to make request to GA4 Admin API: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseGoogleError(op, resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindPayload, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (ds dataStream) toStream() config.Stream {
	stream := config.Stream{
		Name:        ds.Name,
		DisplayName: ds.DisplayName,
		Type:        ds.Type,
	}
	if ds.WebStreamData != nil {
		stream.MeasurementID = ds.WebStreamData.MeasurementID
		stream.DefaultURI = ds.WebStreamData.DefaultURI
	}
	return stream
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Helper function to extract ID from GA4 resource names
func extractIDFromResource(resourceName, prefix string) string {
	if len(resourceName) <= len(prefix) || !strings.HasPrefix(resourceName, prefix) {
		return resourceName // fallback to full name if format is unexpected
	}
	return resourceName[len(prefix):]
}
