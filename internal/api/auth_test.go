package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytify/internal/store"
	"analytify/internal/throttle"
)

var testNow = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *recordingNotifier) NotifyTokenFailure(context.Context, error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

type authFixture struct {
	store    *store.Memory
	auth     *Authenticator
	notifier *recordingNotifier
	logs     *bytes.Buffer
	now      *time.Time
}

func newAuthFixture(t *testing.T, tokenURL string, notify bool) *authFixture {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }

	s := store.NewMemory(clock)
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	notifier := &recordingNotifier{}

	auth := NewAuthenticator(AuthConfig{
		ClientID:        "test_client_id",
		ClientSecret:    "test_client_secret",
		TokenURL:        tokenURL,
		NotifyOnFailure: notify,
		Now:             clock,
	}, NewTokenStore(s), throttle.New(s, logger), notifier, nil, logger)

	return &authFixture{store: s, auth: auth, notifier: notifier, logs: logs, now: &now}
}

func (f *authFixture) seed(t *testing.T, rec TokenRecord) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), TokenKey, rec, 0))
}

func (f *authFixture) stored(t *testing.T) TokenRecord {
	t.Helper()
	var rec TokenRecord
	found, err := f.store.Get(context.Background(), TokenKey, &rec)
	require.NoError(t, err)
	require.True(t, found)
	return rec
}

func tokenServer(t *testing.T, calls *int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenRecord_Valid(t *testing.T) {
	tests := map[string]struct {
		rec  TokenRecord
		want bool
	}{
		"fresh":         {rec: TokenRecord{AccessToken: "a", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 100}, want: true},
		"expired":       {rec: TokenRecord{AccessToken: "a", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 4000}, want: false},
		"boundary":      {rec: TokenRecord{AccessToken: "a", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 3600}, want: false},
		"never_expires": {rec: TokenRecord{AccessToken: "a", ExpiresIn: 0, CreatedAt: 0}, want: true},
		"no_access":     {rec: TokenRecord{RefreshToken: "r", ExpiresIn: 0}, want: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Valid(testNow))
		})
	}
}

func TestAuthenticator_AccessToken_ValidTokenSkipsRefresh(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called for a valid token")
	})
	f := newAuthFixture(t, server.URL, false)
	f.seed(t, TokenRecord{AccessToken: "stored", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 100})

	token, err := f.auth.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestAuthenticator_AccessToken_ExpiredTokenRefreshesOnce(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "1//r", r.Form.Get("refresh_token"))
		assert.Equal(t, "test_client_id", r.Form.Get("client_id"))
		assert.Equal(t, "test_client_secret", r.Form.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3599,
		})
	})
	f := newAuthFixture(t, server.URL, false)
	f.seed(t, TokenRecord{AccessToken: "old", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 4000})

	token, err := f.auth.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	// second call uses the refreshed record
	token, err = f.auth.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	rec := f.stored(t)
	assert.Equal(t, "fresh", rec.AccessToken)
	assert.Equal(t, "1//r", rec.RefreshToken, "refresh token is preserved")
	assert.Equal(t, int64(3599), rec.ExpiresIn)
	assert.Equal(t, testNow.Unix(), rec.CreatedAt)
}

func TestAuthenticator_Refresh_FailureLeavesRecordAndLogsOnce(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	})
	f := newAuthFixture(t, server.URL, true)
	original := TokenRecord{AccessToken: "old", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 4000}
	f.seed(t, original)

	_, err := f.auth.AccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.Equal(t, "invalid_grant", ReasonOf(err))

	_, err = f.auth.AccessToken(context.Background())
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "no automatic retry, one call per attempt")
	assert.Equal(t, original, f.stored(t))
	assert.Equal(t, 1, strings.Count(f.logs.String(), "token refresh failed"))
	assert.Equal(t, 1, f.notifier.calls, "one email per failure episode")
}

func TestAuthenticator_Refresh_FailureClasses(t *testing.T) {
	tests := map[string]struct {
		handler  http.HandlerFunc
		closed   bool
		wantKind Kind
	}{
		"missing_access_token": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"token_type":"Bearer","expires_in":3600}`))
			},
			wantKind: KindPayload,
		},
		"malformed_json": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"access_token": json`))
			},
			wantKind: KindPayload,
		},
		"server_error": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantKind: KindTransport,
		},
		"network_error": {
			handler:  func(w http.ResponseWriter, r *http.Request) {},
			closed:   true,
			wantKind: KindTransport,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var calls int32
			server := tokenServer(t, &calls, tt.handler)
			if tt.closed {
				server.Close()
			}
			f := newAuthFixture(t, server.URL, false)

			_, err := f.auth.Refresh(context.Background(), "1//r")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestAuthenticator_Refresh_SuccessClearsFailureFlag(t *testing.T) {
	var calls int32
	var fail atomic.Bool
	fail.Store(true)
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	})
	f := newAuthFixture(t, server.URL, true)
	f.seed(t, TokenRecord{AccessToken: "old", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: 0})
	ctx := context.Background()

	_, err := f.auth.Refresh(ctx, "1//r")
	require.Error(t, err)
	assert.True(t, f.auth.limiter.Marked(ctx, FailureEmailKey))

	fail.Store(false)
	_, err = f.auth.Refresh(ctx, "1//r")
	require.NoError(t, err)
	assert.False(t, f.auth.limiter.Marked(ctx, FailureEmailKey))

	// a new episode notifies again
	fail.Store(true)
	_, err = f.auth.Refresh(ctx, "1//r")
	require.Error(t, err)
	assert.Equal(t, 2, f.notifier.calls)
}

func TestAuthenticator_Refresh_NotifierFailureRearms(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	f := newAuthFixture(t, server.URL, true)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()

	_, err := f.auth.Refresh(ctx, "1//r")
	require.Error(t, err)
	_, err = f.auth.Refresh(ctx, "1//r")
	require.Error(t, err)

	assert.Equal(t, 2, f.notifier.calls)
	assert.False(t, f.auth.limiter.Marked(ctx, FailureEmailKey))
}

func TestAuthenticator_AccessToken_ExchangesPendingCode(t *testing.T) {
	var calls int32
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "4/code", r.Form.Get("code"))
		assert.Equal(t, "offline", r.Form.Get("access_type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"first","refresh_token":"1//new","expires_in":3600}`))
	})
	f := newAuthFixture(t, server.URL, false)
	ctx := context.Background()
	require.NoError(t, f.auth.Tokens().SetAuthCode(ctx, "4/code"))

	token, err := f.auth.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", token)

	rec := f.stored(t)
	assert.Equal(t, "1//new", rec.RefreshToken)
	assert.Equal(t, int64(3600), rec.ExpiresIn)

	_, pending, err := f.auth.Tokens().AuthCode(ctx)
	require.NoError(t, err)
	assert.False(t, pending, "code is one-time")
}

func TestAuthenticator_AccessToken_NotConfigured(t *testing.T) {
	f := newAuthFixture(t, "http://127.0.0.1:1/token", false)

	token, err := f.auth.AccessToken(context.Background())
	assert.Empty(t, token)
	assert.True(t, IsKind(err, KindNotConfigured))
}

func TestAuthenticator_Refresh_SingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	})
	f := newAuthFixture(t, server.URL, false)
	f.seed(t, TokenRecord{AccessToken: "old", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: 0})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.auth.Refresh(context.Background(), "1//r")
			if err == nil {
				results[i] = rec.AccessToken
			}
		}(i)
	}

	// let the goroutines pile up on the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "fresh", got)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestAuthenticator_Status(t *testing.T) {
	f := newAuthFixture(t, "http://127.0.0.1:1/token", false)
	f.seed(t, TokenRecord{AccessToken: "a", RefreshToken: "1//r", ExpiresIn: 3600, CreatedAt: testNow.Unix() - 100})

	status, err := f.auth.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.HasToken)
	assert.True(t, status.Valid)
	assert.True(t, status.HasRefreshToken)
	assert.False(t, status.PendingCode)
	assert.Equal(t, time.Unix(testNow.Unix()+3500, 0), status.ExpiresAt)
}

func TestAuthenticator_AuthCodeURL(t *testing.T) {
	f := newAuthFixture(t, "", false)

	u := f.auth.AuthCodeURL("state-1")
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "client_id=test_client_id")
	assert.Contains(t, u, "state=state-1")
}

func TestAuthenticator_LoginStateIsSingleUse(t *testing.T) {
	f := newAuthFixture(t, "", false)
	ctx := context.Background()

	first, err := f.auth.LoginURL(ctx)
	require.NoError(t, err)
	var state string
	found, err := f.store.Get(ctx, OAuthStateKey, &state)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, state, 32)
	assert.Contains(t, first, "state="+state)

	ok, err := f.auth.VerifyState(ctx, "forged")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.auth.VerifyState(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.auth.VerifyState(ctx, state)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.auth.VerifyState(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok, "a state is accepted once")
}

func TestAuthenticator_LoginStateExpires(t *testing.T) {
	f := newAuthFixture(t, "", false)
	ctx := context.Background()

	_, err := f.auth.LoginURL(ctx)
	require.NoError(t, err)
	var state string
	_, err = f.store.Get(ctx, OAuthStateKey, &state)
	require.NoError(t, err)

	*f.now = f.now.Add(OAuthStateTTL + time.Second)
	ok, err := f.auth.VerifyState(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthenticator_LoginReplacesState(t *testing.T) {
	f := newAuthFixture(t, "", false)
	ctx := context.Background()

	_, err := f.auth.LoginURL(ctx)
	require.NoError(t, err)
	var old string
	_, err = f.store.Get(ctx, OAuthStateKey, &old)
	require.NoError(t, err)

	_, err = f.auth.LoginURL(ctx)
	require.NoError(t, err)
	ok, err := f.auth.VerifyState(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok)
}
