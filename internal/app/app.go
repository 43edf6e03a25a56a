// Package app wires the components into one dependency-injected context
// shared by the CLI commands and the admin server.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"analytify/internal/api"
	"analytify/internal/cache"
	"analytify/internal/config"
	"analytify/internal/export"
	"analytify/internal/logging"
	"analytify/internal/mail"
	"analytify/internal/metrics"
	"analytify/internal/property"
	"analytify/internal/report"
	"analytify/internal/schedule"
	"analytify/internal/server"
	"analytify/internal/store"
	"analytify/internal/throttle"
)

// ResetPrefix covers every persisted analytify key
const ResetPrefix = "analytify"

// Options overrides collaborators, mostly for tests
type Options struct {
	Store      store.Store  // default: DuckDB at config DBPath
	Sender     mail.Sender  // default: SendGrid when an API key is set
	HTTPClient *http.Client // base transport for Google calls
	LogWriter  io.Writer    // default: os.Stderr
	Now        func() time.Time
}

// App holds the wired components
type App struct {
	Config     *config.AppConfig
	Logger     *slog.Logger
	Store      store.Store
	Metrics    *metrics.Metrics
	Limiter    *throttle.Limiter
	Exceptions *api.ExceptionLog
	Auth       *api.Authenticator
	Admin      *api.AdminClient
	Data       *api.DataClient
	Cache      *cache.Cache
	Properties *property.Manager
	Reports    *report.Service
	Templates  *mail.Templates
	Sender     mail.Sender
	Scheduler  *schedule.Scheduler
}

// New builds the application from cfg
func New(cfg *config.AppConfig, opts Options) (*App, error) {
	logWriter := opts.LogWriter
	if logWriter == nil {
		logWriter = os.Stderr
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &App{
		Config:  cfg,
		Logger:  logging.New(cfg.Logging.Level, cfg.Logging.Format, logWriter),
		Metrics: metrics.New(),
	}

	a.Store = opts.Store
	if a.Store == nil {
		s, err := openStore(cfg, now)
		if err != nil {
			return nil, err
		}
		a.Store = s
	}

	templates, err := mail.DefaultTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}
	a.Templates = templates

	a.Sender = opts.Sender
	if a.Sender == nil {
		a.Sender, err = newSender(cfg.Email, a.Logger)
		if err != nil {
			return nil, err
		}
	}

	a.Limiter = throttle.New(a.Store, a.Logger)
	a.Exceptions = api.NewExceptionLog(a.Store, now)

	var notifier api.FailureNotifier
	if cfg.Email.AdminEmail != "" {
		notifier = mail.NewNotifier(a.Sender, templates, cfg.Site, cfg.Email.AdminEmail, a.Metrics, now)
	}
	a.Auth = api.NewAuthenticator(api.AuthConfig{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURL:     cfg.RedirectURL,
		TokenURL:        cfg.API.TokenURL,
		NotifyOnFailure: cfg.Email.NotifyTokenFailure,
		LogWindow:       cfg.Throttle.Window,
		HTTPClient:      opts.HTTPClient,
		Now:             now,
	}, api.NewTokenStore(a.Store), a.Limiter, notifier, a.Metrics, a.Logger)

	clientOpts := api.ClientOptions{
		HTTPClient:        opts.HTTPClient,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		MaxPages:          cfg.API.MaxPages,
		Exceptions:        a.Exceptions,
		Metrics:           a.Metrics,
		Logger:            a.Logger,
	}
	adminOpts := clientOpts
	adminOpts.BaseURL = cfg.API.AdminBaseURL
	a.Admin = api.NewAdminClient(a.Auth, adminOpts)
	dataOpts := clientOpts
	dataOpts.BaseURL = cfg.API.DataBaseURL
	a.Data = api.NewDataClient(a.Auth, dataOpts)

	a.Cache = cache.New(a.Store, cfg.Cache.DefaultTTL, a.Metrics, a.Logger)
	a.Properties = property.NewManager(a.Admin, a.Store, a.Cache, cfg.Site.URL, cfg.Cache.StreamTTL, a.Logger)
	a.Reports = report.NewService(a.Data, a.Properties, a.Cache, cfg.Cache.ReportTTL, a.Logger)
	a.Scheduler = schedule.New(schedule.Options{
		Email:     cfg.Email,
		Site:      cfg.Site,
		Stats:     a.Reports,
		Bindings:  a.Properties,
		Sender:    a.Sender,
		Templates: templates,
		Limiter:   a.Limiter,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
		Now:       now,
	})

	return a, nil
}

func openStore(cfg *config.AppConfig, now func() time.Time) (store.Store, error) {
	path, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	s, err := store.NewDuckDB(path, now)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

func newSender(cfg config.EmailConfig, logger *slog.Logger) (mail.Sender, error) {
	if cfg.SendGridAPIKey == "" {
		return unconfiguredSender{}, nil
	}
	return mail.NewSendGrid(mail.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromName:  cfg.FromName,
		FromEmail: cfg.FromEmail,
	}, logger)
}

type unconfiguredSender struct{}

func (unconfiguredSender) Send(context.Context, mail.Message) error {
	return &api.Error{Kind: api.KindNotConfigured, Op: "mail.send", Message: "email.sendgrid_api_key is not set"}
}

// Close releases the store
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Store.Close()
}

// ClearCache drops every cached report and stream list
func (a *App) ClearCache(ctx context.Context) (int, error) {
	return a.Cache.Clear(ctx)
}

// Reset deletes every persisted analytify key, the token and any pending
// authorization code.
func (a *App) Reset(ctx context.Context) (int, error) {
	n, err := a.Store.DeletePrefix(ctx, ResetPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to reset settings: %w", err)
	}
	for _, key := range []string{api.TokenKey, api.AuthCodeKey} {
		deleted, err := a.Store.DeletePrefix(ctx, key)
		if err != nil {
			return n, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		n += deleted
	}
	a.Auth.Tokens().Invalidate()
	a.Logger.Warn("factory reset", "deleted", n)
	return n, nil
}

// Diagnostics writes the diagnostics CSV
func (a *App) Diagnostics(ctx context.Context, w io.Writer) error {
	status, err := a.Auth.Status(ctx)
	if err != nil {
		return err
	}
	var last *api.Exception
	if exc, found, err := a.Exceptions.Last(ctx); err == nil && found {
		last = &exc
	}
	return export.Diagnostics(ctx, w, a.Store, status, last)
}

// Status summarizes the connection state
type Status struct {
	Token         api.TokenStatus         `json:"token"`
	Tracking      *config.PropertyBinding `json:"tracking,omitempty"`
	Reporting     *config.PropertyBinding `json:"reporting,omitempty"`
	LastException *api.Exception          `json:"last_exception,omitempty"`
	Store         *store.Stats            `json:"store,omitempty"`
}

// Status reports token validity, bindings and the last provider failure
func (a *App) Status(ctx context.Context) (Status, error) {
	token, err := a.Auth.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Token: token}

	tracking, found, err := a.Properties.Binding(ctx, property.Tracking)
	if err != nil {
		return Status{}, err
	}
	if found {
		st.Tracking = &tracking
	}
	reporting, found, err := a.Properties.Binding(ctx, property.Reporting)
	if err != nil {
		return Status{}, err
	}
	if found {
		st.Reporting = &reporting
	}

	if exc, found, err := a.Exceptions.Last(ctx); err != nil {
		return Status{}, err
	} else if found {
		st.LastException = &exc
	}

	if stats, err := a.Store.Stats(ctx); err == nil {
		st.Store = stats
	}
	return st, nil
}

// Server builds the admin HTTP server
func (a *App) Server() *server.Server {
	return server.New(server.Deps{
		Auth:     a.Auth,
		Reports:  a.Reports,
		Mailer:   a.Scheduler,
		Actions:  a,
		Metrics:  a.Metrics,
		AdminKey: a.Config.Server.AdminKey,
		Logger:   a.Logger,
	})
}
