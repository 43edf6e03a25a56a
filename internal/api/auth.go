package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"analytify/internal/logging"
	"analytify/internal/metrics"
	"analytify/internal/throttle"
)

const (
	// OAuth2 scopes required for GA4 reporting and stream/dimension setup
	AnalyticsReadOnlyScope = "https://www.googleapis.com/auth/analytics.readonly"
	AnalyticsEditScope     = "https://www.googleapis.com/auth/analytics.edit"

	// FailureEmailKey is set once a token failure email went out and cleared
	// by the next successful refresh.
	FailureEmailKey = "analytify_token_failure_email_sent"

	refreshLogKeyPrefix = "analytify_log_token_refresh_"
	defaultLogWindow    = time.Hour
)

// FailureNotifier sends the one-time admin notification for a failed refresh
type FailureNotifier interface {
	NotifyTokenFailure(ctx context.Context, cause error) error
}

// TokenSourcer hands out bearer tokens to the API clients
type TokenSourcer interface {
	TokenSource(ctx context.Context) oauth2.TokenSource
}

// AuthConfig configures the Authenticator
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenURL     string // empty = Google's token endpoint
	Scopes       []string

	NotifyOnFailure bool
	LogWindow       time.Duration // refresh failure log dedupe window, default 1h

	HTTPClient *http.Client // used for token endpoint calls
	Now        func() time.Time
}

// Authenticator owns the token lifecycle: validity check, refresh, and
// first-time code exchange.
type Authenticator struct {
	config     *oauth2.Config
	tokens     *TokenStore
	limiter    *throttle.Limiter
	notifier   FailureNotifier
	notify     bool
	logWindow  time.Duration
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	refreshGroup singleflight.Group
}

// NewAuthenticator creates an authenticator. notifier may be nil.
func NewAuthenticator(cfg AuthConfig, tokens *TokenStore, limiter *throttle.Limiter, notifier FailureNotifier, m *metrics.Metrics, logger *slog.Logger) *Authenticator {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{AnalyticsReadOnlyScope, AnalyticsEditScope}
	}

	window := cfg.LogWindow
	if window <= 0 {
		window = defaultLogWindow
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Authenticator{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		tokens:     tokens,
		limiter:    limiter,
		notifier:   notifier,
		notify:     cfg.NotifyOnFailure,
		logWindow:  window,
		httpClient: cfg.HTTPClient,
		metrics:    m,
		logger:     logging.OrDefault(logger),
		now:        now,
	}
}

// Tokens exposes the underlying token store
func (a *Authenticator) Tokens() *TokenStore {
	return a.tokens
}

// AuthCodeURL returns the Google consent URL that yields an offline code
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// LoginURL issues a fresh state and returns the consent URL carrying it
func (a *Authenticator) LoginURL(ctx context.Context) (string, error) {
	state, err := a.tokens.NewState(ctx)
	if err != nil {
		return "", err
	}
	return a.AuthCodeURL(state), nil
}

// VerifyState checks the state returned on the OAuth callback
func (a *Authenticator) VerifyState(ctx context.Context, state string) (bool, error) {
	return a.tokens.ConsumeState(ctx, state)
}

// AccessToken returns a usable access token: the stored one while valid,
// otherwise a refreshed one, otherwise one exchanged from a pending code.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	rec, found, err := a.tokens.Get(ctx)
	if err != nil {
		return "", &Error{Kind: KindTransport, Op: "token.load", Err: err}
	}

	if found && rec.Valid(a.now()) {
		return rec.AccessToken, nil
	}

	if found && rec.RefreshToken != "" {
		refreshed, err := a.Refresh(ctx, rec.RefreshToken)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}

	code, ok, err := a.tokens.AuthCode(ctx)
	if err != nil {
		return "", &Error{Kind: KindTransport, Op: "token.load", Err: err}
	}
	if ok {
		exchanged, err := a.Exchange(ctx, code)
		if err != nil {
			return "", err
		}
		return exchanged.AccessToken, nil
	}

	return "", &Error{
		Kind:    KindNotConfigured,
		Op:      "token",
		Message: "no token or authorization code stored, run 'analytify auth login'",
	}
}

// Refresh exchanges refreshToken for a new access token. Concurrent calls
// for the same refresh token share one request. Failures leave the stored
// record untouched and are never retried here.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (TokenRecord, error) {
	v, err, _ := a.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		return a.refresh(ctx, refreshToken)
	})
	if err != nil {
		return TokenRecord{}, err
	}
	return v.(TokenRecord), nil
}

func (a *Authenticator) refresh(ctx context.Context, refreshToken string) (TokenRecord, error) {
	source := a.config.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		apiErr := classifyTokenError("token.refresh", err)
		a.refreshFailed(ctx, apiErr)
		return TokenRecord{}, apiErr
	}

	rec, _, err := a.tokens.Get(ctx)
	if err != nil {
		return TokenRecord{}, &Error{Kind: KindTransport, Op: "token.load", Err: err}
	}

	now := a.now()
	rec.AccessToken = tok.AccessToken
	rec.ExpiresIn = expiresIn(tok)
	rec.CreatedAt = now.Unix()
	if rec.RefreshToken == "" {
		rec.RefreshToken = refreshToken
	}

	if err := a.tokens.Save(ctx, rec); err != nil {
		return TokenRecord{}, &Error{Kind: KindTransport, Op: "token.save", Err: err}
	}

	if err := a.limiter.Reset(ctx, FailureEmailKey); err != nil {
		a.logger.Debug("failed to clear token failure flag", "error", err)
	}

	a.metrics.RecordTokenRefresh("success")
	a.logger.Debug("access token refreshed", "expires_in", rec.ExpiresIn)
	return rec, nil
}

// refreshFailed logs once per error class per window and sends at most one
// notification email per failure episode.
func (a *Authenticator) refreshFailed(ctx context.Context, apiErr *Error) {
	a.metrics.RecordTokenRefresh("failure")

	if a.limiter.Allow(ctx, refreshLogKeyPrefix+apiErr.Kind.String(), a.logWindow) {
		a.logger.Error("token refresh failed",
			"kind", apiErr.Kind.String(),
			"status", apiErr.Status,
			"reason", apiErr.Reason,
			"error", apiErr)
	}

	if !a.notify || a.notifier == nil {
		return
	}
	if !a.limiter.Allow(ctx, FailureEmailKey, 0) {
		return
	}
	if err := a.notifier.NotifyTokenFailure(ctx, apiErr); err != nil {
		a.logger.Warn("failed to send token failure email", "error", err)
		a.limiter.Reset(ctx, FailureEmailKey)
	}
}

// Exchange trades a one-time authorization code for a token record
func (a *Authenticator) Exchange(ctx context.Context, code string) (TokenRecord, error) {
	tok, err := a.config.Exchange(a.clientContext(ctx), code, oauth2.AccessTypeOffline)
	if err != nil {
		apiErr := classifyTokenError("token.exchange", err)
		a.logger.Error("authorization code exchange failed", "kind", apiErr.Kind.String(), "error", apiErr)
		if apiErr.Kind == KindAuth {
			// Google rejected the code, it can never succeed
			a.tokens.ClearAuthCode(ctx)
		}
		return TokenRecord{}, apiErr
	}

	rec := TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
		CreatedAt:    a.now().Unix(),
	}
	if err := a.tokens.Save(ctx, rec); err != nil {
		return TokenRecord{}, &Error{Kind: KindTransport, Op: "token.save", Err: err}
	}
	if err := a.tokens.ClearAuthCode(ctx); err != nil {
		a.logger.Warn("failed to clear authorization code", "error", err)
	}
	a.limiter.Reset(ctx, FailureEmailKey)

	a.logger.Info("authorization code exchanged", "has_refresh_token", rec.RefreshToken != "")
	return rec, nil
}

// TokenStatus summarizes the stored token for status output. Secrets are
// never included.
type TokenStatus struct {
	HasToken        bool      `json:"has_token"`
	Valid           bool      `json:"valid"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	PendingCode     bool      `json:"pending_code"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	FailureNotified bool      `json:"failure_notified"`
}

// Status reports the current token state
func (a *Authenticator) Status(ctx context.Context) (TokenStatus, error) {
	rec, found, err := a.tokens.Get(ctx)
	if err != nil {
		return TokenStatus{}, err
	}
	_, pending, err := a.tokens.AuthCode(ctx)
	if err != nil {
		return TokenStatus{}, err
	}

	return TokenStatus{
		HasToken:        found && rec.AccessToken != "",
		Valid:           found && rec.Valid(a.now()),
		HasRefreshToken: found && rec.RefreshToken != "",
		PendingCode:     pending,
		ExpiresAt:       rec.ExpiresAt(),
		FailureNotified: a.limiter.Marked(ctx, FailureEmailKey),
	}, nil
}

// TokenSource adapts the authenticator for oauth2.NewClient
func (a *Authenticator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &authTokenSource{auth: a, ctx: ctx}
}

type authTokenSource struct {
	auth *Authenticator
	ctx  context.Context
}

func (s *authTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.auth.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}

// StaticTokens serves a fixed access token, for tests and service setups
type StaticTokens string

func (t StaticTokens) TokenSource(context.Context) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(t), TokenType: "Bearer"})
}

func (a *Authenticator) clientContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
}

// classifyTokenError maps x/oauth2 failures onto the error taxonomy
func classifyTokenError(op string, err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		out := &Error{Kind: KindAuth, Op: op, Reason: retrieveErr.ErrorCode, Message: retrieveErr.ErrorDescription, Err: err}
		if retrieveErr.Response != nil {
			out.Status = retrieveErr.Response.StatusCode
			if out.Status >= 500 {
				out.Kind = KindTransport
			}
		}
		return out
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "cannot fetch token"):
		return &Error{Kind: KindTransport, Op: op, Err: err}
	case strings.Contains(msg, "missing access_token"), strings.Contains(msg, "cannot parse json"):
		return &Error{Kind: KindPayload, Op: op, Err: err}
	default:
		return &Error{Kind: KindPayload, Op: op, Err: fmt.Errorf("unexpected token response: %w", err)}
	}
}
