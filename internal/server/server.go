// Package server is the admin HTTP surface: OAuth callback, cache and reset
// actions, diagnostics export, test emails, reports and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"analytify/internal/api"
	"analytify/internal/config"
	"analytify/internal/logging"
	"analytify/internal/mail"
	"analytify/internal/metrics"
	"analytify/internal/report"
	"analytify/internal/schedule"
)

// AdminKeyHeader carries the admin key on protected routes
const AdminKeyHeader = "X-Analytify-Key"

// Auth is the OAuth side of the server
type Auth interface {
	VerifyState(ctx context.Context, state string) (bool, error)
	Exchange(ctx context.Context, code string) (api.TokenRecord, error)
	Status(ctx context.Context) (api.TokenStatus, error)
}

// Reports serves report payloads
type Reports interface {
	Named(ctx context.Context, name string, r report.DateRange, limit int64) (*report.Result, error)
	Realtime(ctx context.Context, limit int64) (*report.Result, error)
}

// Mailer runs and previews the summary email
type Mailer interface {
	Run(ctx context.Context, trigger schedule.Trigger) (schedule.Summary, error)
	Preview(ctx context.Context) (string, error)
}

// Actions are the maintenance operations
type Actions interface {
	ClearCache(ctx context.Context) (int, error)
	Reset(ctx context.Context) (int, error)
	Diagnostics(ctx context.Context, w io.Writer) error
}

// Deps wires the server
type Deps struct {
	Auth     Auth
	Reports  Reports
	Mailer   Mailer
	Actions  Actions
	Metrics  *metrics.Metrics
	AdminKey string
	Logger   *slog.Logger
}

// Server is the admin HTTP server
type Server struct {
	deps   Deps
	logger *slog.Logger
	hs     *http.Server
}

// New creates a server
func New(deps Deps) *Server {
	return &Server{deps: deps, logger: logging.OrDefault(deps.Logger)}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/oauth/callback", s.oauthCallback)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdminKey)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Post("/cache/clear", s.clearCache)
			r.Post("/reset", s.reset)
			r.Get("/export/diagnostics", s.diagnostics)
			r.Post("/email/test", s.testEmail)
			r.Get("/email/preview", s.previewEmail)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/realtime", s.realtime)
			r.Get("/{name}", s.namedReport)
		})
	})

	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	s.hs = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", addr)
		errCh <- s.hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server exited: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminKey != "" {
			got := r.Header.Get(AdminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid admin key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if msg := r.URL.Query().Get("error"); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "authorization denied: " + msg})
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing code parameter"})
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing state parameter"})
		return
	}
	ok, err := s.deps.Auth.VerifyState(r.Context(), state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.logger.Warn("rejected oauth callback with unknown state")
		writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid or expired state, run 'analytify auth login' again"})
		return
	}

	if _, err := s.deps.Auth.Exchange(r.Context(), code); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Auth.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Actions.ClearCache(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Actions.Reset(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="analytify-diagnostics.csv"`)
	if err := s.deps.Actions.Diagnostics(r.Context(), w); err != nil {
		s.logger.Error("diagnostics export failed", "error", err)
	}
}

type testEmailRequest struct {
	Recipients string `json:"recipients"`
}

func (s *Server) testEmail(w http.ResponseWriter, r *http.Request) {
	var req testEmailRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return
		}
	}

	summary, err := s.deps.Mailer.Run(r.Context(), schedule.Trigger{Test: true, Recipients: config.ParseRecipients(req.Recipients)})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) previewEmail(w http.ResponseWriter, r *http.Request) {
	html, err := s.deps.Mailer.Preview(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", mail.ContentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, html)
}

func (s *Server) namedReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dateRange := report.DateRange{Start: q.Get("start"), End: q.Get("end")}
	if dateRange.Start == "" {
		dateRange.Start = "30daysAgo"
	}
	if dateRange.End == "" {
		dateRange.End = "today"
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	result, err := s.deps.Reports.Named(r.Context(), chi.URLParam(r, "name"), dateRange, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	result, err := s.deps.Reports.Realtime(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseLimit(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps an error kind to the response status
func statusFor(kind api.Kind) int {
	switch kind {
	case api.KindPayload:
		return http.StatusBadRequest
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindNotConfigured:
		return http.StatusConflict
	case api.KindResourceLimit:
		return http.StatusTooManyRequests
	case api.KindAuth, api.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := api.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind.String(), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String(), Reason: api.ReasonOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
