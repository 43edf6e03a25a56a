package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytify/internal/api"
	"analytify/internal/logging"
	"analytify/internal/metrics"
	"analytify/internal/report"
	"analytify/internal/schedule"
)

type fakeAuth struct {
	state string
	codes []string
	err   error
}

func (f *fakeAuth) VerifyState(_ context.Context, state string) (bool, error) {
	return f.state != "" && state == f.state, nil
}

func (f *fakeAuth) Exchange(_ context.Context, code string) (api.TokenRecord, error) {
	f.codes = append(f.codes, code)
	return api.TokenRecord{AccessToken: "a"}, f.err
}

func (f *fakeAuth) Status(context.Context) (api.TokenStatus, error) {
	return api.TokenStatus{HasToken: true, Valid: true}, nil
}

type fakeReports struct {
	names  []string
	ranges []report.DateRange
	err    error
}

func (f *fakeReports) Named(_ context.Context, name string, r report.DateRange, _ int64) (*report.Result, error) {
	f.names = append(f.names, name)
	f.ranges = append(f.ranges, r)
	if f.err != nil {
		return nil, f.err
	}
	return &report.Result{Headers: []string{"sessions"}, Rows: []map[string]string{}, Aggregations: map[string]string{"sessions": "42"}}, nil
}

func (f *fakeReports) Realtime(context.Context, int64) (*report.Result, error) {
	return &report.Result{Headers: []string{"activeUsers"}, Rows: []map[string]string{}, Aggregations: map[string]string{"activeUsers": "3"}}, nil
}

type fakeMailer struct {
	triggers []schedule.Trigger
}

func (f *fakeMailer) Run(_ context.Context, trigger schedule.Trigger) (schedule.Summary, error) {
	f.triggers = append(f.triggers, trigger)
	return schedule.Summary{Periods: []schedule.Period{schedule.Test}, Sent: len(trigger.Recipients)}, nil
}

func (f *fakeMailer) Preview(context.Context) (string, error) {
	return "<p>preview</p>", nil
}

type fakeActions struct {
	cleared, resets int
}

func (f *fakeActions) ClearCache(context.Context) (int, error) {
	f.cleared++
	return 4, nil
}

func (f *fakeActions) Reset(context.Context) (int, error) {
	f.resets++
	return 9, nil
}

func (f *fakeActions) Diagnostics(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, "section,key\nstore,pa_google_token\n")
	return err
}

type fixture struct {
	server  *httptest.Server
	auth    *fakeAuth
	reports *fakeReports
	mailer  *fakeMailer
	actions *fakeActions
}

func newFixture(t *testing.T, adminKey string) *fixture {
	t.Helper()
	f := &fixture{auth: &fakeAuth{}, reports: &fakeReports{}, mailer: &fakeMailer{}, actions: &fakeActions{}}
	s := New(Deps{
		Auth:     f.auth,
		Reports:  f.reports,
		Mailer:   f.mailer,
		Actions:  f.actions,
		Metrics:  metrics.New(),
		AdminKey: adminKey,
		Logger:   logging.Discard(),
	})
	f.server = httptest.NewServer(s.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(AdminKeyHeader, key)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t, "secret")
	resp := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AdminKey(t *testing.T) {
	tests := map[string]struct {
		key  string
		want int
	}{
		"missing": {key: "", want: http.StatusUnauthorized},
		"wrong":   {key: "nope", want: http.StatusUnauthorized},
		"correct": {key: "secret", want: http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "secret")
			resp := f.do(t, http.MethodPost, "/admin/cache/clear", tc.key, "")
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want == http.StatusOK {
				assert.Equal(t, 1, f.actions.cleared)
			} else {
				assert.Zero(t, f.actions.cleared)
			}
		})
	}
}

func TestServer_NoAdminKeyConfigured(t *testing.T) {
	f := newFixture(t, "")
	resp := f.do(t, http.MethodPost, "/admin/reset", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decode(t, resp, &body)
	assert.Equal(t, 9, body["deleted"])
}

func TestServer_OAuthCallback(t *testing.T) {
	tests := map[string]struct {
		query    string
		err      error
		want     int
		wantCode []string
	}{
		"exchanges code": {query: "?code=4/abc&state=issued", want: http.StatusOK, wantCode: []string{"4/abc"}},
		"missing code":   {query: "", want: http.StatusBadRequest},
		"missing state":  {query: "?code=4/abc", want: http.StatusBadRequest},
		"forged state":   {query: "?code=attacker-code&state=forged", want: http.StatusForbidden},
		"denied":         {query: "?error=access_denied", want: http.StatusBadRequest},
		"provider rejects": {
			query:    "?code=bad&state=issued",
			err:      &api.Error{Kind: api.KindAuth, Op: "auth.exchange", Reason: "invalid_grant"},
			want:     http.StatusBadGateway,
			wantCode: []string{"bad"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "secret")
			f.auth.state = "issued"
			f.auth.err = tc.err
			resp := f.do(t, http.MethodGet, "/oauth/callback"+tc.query, "", "")
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, tc.wantCode, f.auth.codes)
		})
	}
}

func TestServer_Reports(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodGet, "/reports/general?start=2024-01-01&end=2024-01-31&limit=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result report.Result
	decode(t, resp, &result)
	assert.Equal(t, "42", result.Aggregations["sessions"])
	assert.Equal(t, []string{"general"}, f.reports.names)
	assert.Equal(t, report.DateRange{Start: "2024-01-01", End: "2024-01-31"}, f.reports.ranges[0])

	resp = f.do(t, http.MethodGet, "/reports/pages", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, report.DateRange{Start: "30daysAgo", End: "today"}, f.reports.ranges[1])

	resp = f.do(t, http.MethodGet, "/reports/realtime", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &result)
	assert.Equal(t, "3", result.Aggregations["activeUsers"])
	assert.Len(t, f.reports.names, 2, "realtime does not go through Named")

	resp = f.do(t, http.MethodGet, "/reports/general?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ReportErrors(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"not configured": {err: &api.Error{Kind: api.KindNotConfigured}, want: http.StatusConflict},
		"bad request":    {err: &api.Error{Kind: api.KindPayload}, want: http.StatusBadRequest},
		"quota":          {err: &api.Error{Kind: api.KindResourceLimit}, want: http.StatusTooManyRequests},
		"upstream":       {err: &api.Error{Kind: api.KindTransport}, want: http.StatusBadGateway},
		"unknown":        {err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "")
			f.reports.err = tc.err
			resp := f.do(t, http.MethodGet, "/reports/general", "", "")
			assert.Equal(t, tc.want, resp.StatusCode)

			var body errorBody
			decode(t, resp, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestServer_TestEmail(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/admin/email/test", "", `{"recipients":"a@example.com, B <b@example.com>"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary schedule.Summary
	decode(t, resp, &summary)
	assert.Equal(t, 2, summary.Sent)

	require.Len(t, f.mailer.triggers, 1)
	assert.True(t, f.mailer.triggers[0].Test)
	assert.Equal(t, "b@example.com", f.mailer.triggers[0].Recipients[1].Email)

	resp = f.do(t, http.MethodPost, "/admin/email/test", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.mailer.triggers[1].Recipients, "no body uses configured recipients")

	resp = f.do(t, http.MethodPost, "/admin/email/test", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PreviewAndDiagnostics(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodGet, "/admin/email/preview", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=UTF-8", resp.Header.Get("Content-Type"))

	resp = f.do(t, http.MethodGet, "/admin/export/diagnostics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "analytify-diagnostics.csv")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pa_google_token")
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, "secret")
	resp := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
