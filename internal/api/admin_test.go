package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytify/internal/config"
	"analytify/internal/logging"
	"analytify/internal/store"
)

func newTestAdmin(t *testing.T, handler http.Handler, maxPages int) (*AdminClient, *store.Memory) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s := store.NewMemory(func() time.Time { return testNow })
	client := NewAdminClient(StaticTokens("test-token"), ClientOptions{
		BaseURL:    server.URL + "/v1alpha",
		HTTPClient: server.Client(),
		MaxPages:   maxPages,
		Exceptions: NewExceptionLog(s, func() time.Time { return testNow }),
		Logger:     logging.Discard(),
	})
	return client, s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAdminClient_ListAccounts_Paginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"accounts": []map[string]interface{}{
					{"name": "accounts/1", "displayName": "One", "regionCode": "US", "createTime": "2015-12-22T21:15:23Z"},
					{"name": "accounts/2", "displayName": "Gone", "deleted": true},
				},
				"nextPageToken": "p2",
			})
		case "p2":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"accounts": []map[string]interface{}{{"name": "accounts/3", "displayName": "Three"}},
			})
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	})
	client, _ := newTestAdmin(t, mux, 0)

	accounts, err := client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "1", accounts[0].ID)
	assert.Equal(t, "One", accounts[0].DisplayName)
	assert.Equal(t, 2015, accounts[0].CreateTime.Year())
	assert.Equal(t, "3", accounts[1].ID)
}

func TestAdminClient_PaginationCap(t *testing.T) {
	tests := map[string]struct {
		maxPages  int
		wantCalls int32
	}{
		"default_cap": {maxPages: 0, wantCalls: DefaultMaxPages},
		"custom_cap":  {maxPages: 3, wantCalls: 3},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var calls int32
			mux := http.NewServeMux()
			mux.HandleFunc("/v1alpha/properties", func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				assert.Equal(t, "parent:accounts/42", r.URL.Query().Get("filter"))
				// the provider never stops handing out tokens
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"properties": []map[string]interface{}{
						{"name": fmt.Sprintf("properties/%d", n), "displayName": "P" + strconv.Itoa(int(n))},
					},
					"nextPageToken": fmt.Sprintf("page-%d", n+1),
				})
			})
			client, _ := newTestAdmin(t, mux, tt.maxPages)

			props, err := client.ListProperties(context.Background(), "42")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			assert.Len(t, props, int(tt.wantCalls))
		})
	}
}

func TestAdminClient_ListAccountsWithProperties_KeepsFailingAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": []map[string]interface{}{{"name": "accounts/1"}, {"name": "accounts/2"}},
		})
	})
	mux.HandleFunc("/v1alpha/properties", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") == "parent:accounts/1" {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error": map[string]interface{}{
					"code": 403, "message": "denied", "status": "PERMISSION_DENIED",
					"errors": []map[string]string{{"reason": "insufficientPermissions"}},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"properties": []map[string]interface{}{{"name": "properties/9", "parent": "accounts/2"}},
		})
	})
	client, s := newTestAdmin(t, mux, 0)

	accounts, err := client.ListAccountsWithProperties(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Empty(t, accounts[0].Properties)
	require.Len(t, accounts[1].Properties, 1)
	assert.Equal(t, "9", accounts[1].Properties[0].ID)

	exc, found, err := NewExceptionLog(s, nil).Last(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "insufficientPermissions", exc.Reason)
	assert.Equal(t, http.StatusForbidden, exc.Status)
}

func TestAdminClient_ListDataStreams_EmptyIsNotError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/properties/5/dataStreams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	})
	client, _ := newTestAdmin(t, mux, 0)

	streams, err := client.ListDataStreams(context.Background(), "5")
	require.NoError(t, err)
	assert.NotNil(t, streams)
	assert.Empty(t, streams)
}

func TestAdminClient_Errors(t *testing.T) {
	tests := map[string]struct {
		handler  http.HandlerFunc
		wantKind Kind
	}{
		"non_json_body": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>oops</html>"))
			},
			wantKind: KindPayload,
		},
		"unauthorized": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"error": map[string]interface{}{"code": 401, "message": "Request had invalid authentication credentials.", "status": "UNAUTHENTICATED"},
				})
			},
			wantKind: KindAuth,
		},
		"quota": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error": map[string]interface{}{"code": 429, "message": "Quota exceeded", "status": "RESOURCE_EXHAUSTED"},
				})
			},
			wantKind: KindResourceLimit,
		},
		"server_error": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantKind: KindTransport,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestAdmin(t, tt.handler, 0)

			accounts, err := client.ListAccounts(context.Background())
			require.Error(t, err)
			assert.Nil(t, accounts)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestAdminClient_CreateWebDataStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/properties/5/dataStreams", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "WEB_DATA_STREAM", body["type"])
		assert.Equal(t, "Analytify - https://example.com", body["displayName"])
		assert.Equal(t, map[string]interface{}{"defaultUri": "https://example.com"}, body["webStreamData"])

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":          "properties/5/dataStreams/77",
			"type":          "WEB_DATA_STREAM",
			"displayName":   body["displayName"],
			"webStreamData": map[string]string{"measurementId": "G-ABC123", "defaultUri": "https://example.com"},
		})
	})
	client, _ := newTestAdmin(t, mux, 0)

	stream, err := client.CreateWebDataStream(context.Background(), "5", "Analytify - https://example.com", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "properties/5/dataStreams/77", stream.Name)
	assert.Equal(t, "G-ABC123", stream.MeasurementID)
}

func TestAdminClient_CreateWebDataStream_MissingField(t *testing.T) {
	client, _ := newTestAdmin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": "properties/5/dataStreams/77"})
	}), 0)

	_, err := client.CreateWebDataStream(context.Background(), "5", "x", "https://example.com")
	assert.True(t, IsKind(err, KindPayload))
}

func TestAdminClient_MeasurementSecrets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/properties/5/dataStreams/77/measurementProtocolSecrets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]string{
			"name":        "properties/5/dataStreams/77/measurementProtocolSecrets/1",
			"displayName": body["displayName"],
			"secretValue": "s3cr3t",
		})
	})
	client, _ := newTestAdmin(t, mux, 0)
	ctx := context.Background()

	secrets, err := client.ListMeasurementSecrets(ctx, "properties/5/dataStreams/77")
	require.NoError(t, err)
	assert.Empty(t, secrets)

	secret, err := client.CreateMeasurementSecret(ctx, "properties/5/dataStreams/77", "Analytify MP Secret - G-ABC123")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret.SecretValue)
	assert.Equal(t, "Analytify MP Secret - G-ABC123", secret.DisplayName)
}

func TestAdminClient_TokenFailureSurfacesKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the API without a token")
	}))
	t.Cleanup(server.Close)

	f := newAuthFixture(t, "http://127.0.0.1:1/token", false)
	client := NewAdminClient(f.auth, ClientOptions{BaseURL: server.URL, Logger: logging.Discard()})

	_, err := client.ListAccounts(context.Background())
	assert.True(t, IsKind(err, KindNotConfigured))
}

type dimensionServer struct {
	creates   int32
	limitFor  map[string]bool
	failFor   map[string]bool
	deniedFor map[string]bool
}

func (d *dimensionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var dim config.CustomDimension
	json.NewDecoder(r.Body).Decode(&dim)
	atomic.AddInt32(&d.creates, 1)

	switch {
	case d.limitFor[dim.ParameterName]:
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]interface{}{
				"code": 400, "status": "FAILED_PRECONDITION",
				"message": "The property has reached the maximum number of custom dimensions.",
			},
		})
	case d.deniedFor[dim.ParameterName]:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error": map[string]interface{}{
				"code": 403, "status": "PERMISSION_DENIED",
				"message": "The caller has a view limited access role on this property.",
			},
		})
	case d.failFor[dim.ParameterName]:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		dim.Name = "properties/5/customDimensions/" + dim.ParameterName
		writeJSON(w, http.StatusOK, dim)
	}
}

func TestAdminClient_CreateMissingDimensions_Idempotent(t *testing.T) {
	srv := &dimensionServer{}
	client, _ := newTestAdmin(t, srv, 0)
	ctx := context.Background()

	existing := []config.CustomDimension{{ParameterName: "wpa_author"}, {ParameterName: "WPA_TAGS"}}
	first := client.CreateMissingDimensions(ctx, "5", existing)
	assert.Len(t, first.Created, len(RequiredDimensions)-2)
	assert.ElementsMatch(t, []string{"wpa_author", "wpa_tags"}, first.Existed)
	assert.Equal(t, int32(len(RequiredDimensions)-2), atomic.LoadInt32(&srv.creates))

	for _, name := range first.Created {
		existing = append(existing, config.CustomDimension{ParameterName: name})
	}
	second := client.CreateMissingDimensions(ctx, "5", existing)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Existed, len(RequiredDimensions))
	assert.Equal(t, int32(len(RequiredDimensions)-2), atomic.LoadInt32(&srv.creates), "second run makes no creation calls")
}

func TestAdminClient_CreateMissingDimensions_SkipsLimitAndContinues(t *testing.T) {
	srv := &dimensionServer{
		limitFor: map[string]bool{"wpa_seo_score": true},
		failFor:  map[string]bool{"wpa_user_id": true},
	}
	client, _ := newTestAdmin(t, srv, 0)

	result := client.CreateMissingDimensions(context.Background(), "5", nil)
	assert.Equal(t, []string{"wpa_seo_score"}, result.Skipped)
	assert.Equal(t, []string{"wpa_user_id"}, result.Failed)
	assert.Len(t, result.Created, len(RequiredDimensions)-2)
	assert.Equal(t, int32(len(RequiredDimensions)), atomic.LoadInt32(&srv.creates))
}

func TestAdminClient_CreateMissingDimensions_DeniedIsFailedNotSkipped(t *testing.T) {
	srv := &dimensionServer{deniedFor: map[string]bool{"wpa_author": true}}
	client, _ := newTestAdmin(t, srv, 0)

	result := client.CreateMissingDimensions(context.Background(), "5", nil)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, []string{"wpa_author"}, result.Failed)
	assert.Len(t, result.Created, len(RequiredDimensions)-1)
}
