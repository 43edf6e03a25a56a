package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"analytify/internal/config"
	"analytify/internal/logging"
	"analytify/internal/mail"
	"analytify/internal/metrics"
	"analytify/internal/property"
	"analytify/internal/report"
	"analytify/internal/throttle"
)

// SentKeyPrefix marks a period as sent for the day
const SentKeyPrefix = "analytify_email_sent_"

const topPagesLimit = 5

// Stats fetches the data a summary shows
type Stats interface {
	GeneralStats(ctx context.Context, r report.DateRange) (*report.Result, error)
	TopPages(ctx context.Context, r report.DateRange, limit int64) (*report.Result, error)
}

// Bindings exposes the stored property bindings
type Bindings interface {
	Binding(ctx context.Context, mode property.Mode) (config.PropertyBinding, bool, error)
}

// Trigger describes one scheduler invocation
type Trigger struct {
	// Test sends a single summary now, whatever the calendar says
	Test bool
	// Recipients overrides the configured recipients
	Recipients config.Recipients
}

// Summary reports what a run did
type Summary struct {
	Skipped string   `json:"skipped,omitempty"`
	Periods []Period `json:"periods"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
}

// Options configures a Scheduler
type Options struct {
	Email     config.EmailConfig
	Site      config.SiteConfig
	Stats     Stats
	Bindings  Bindings
	Sender    mail.Sender
	Templates *mail.Templates
	Limiter   *throttle.Limiter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler sends the weekly and monthly summary emails
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler
func New(opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{opts: opts, logger: logging.OrDefault(opts.Logger), now: now}
}

// Run performs one invocation. Send failures are logged and counted, never
// returned; an error is returned only when the run could not start.
func (s *Scheduler) Run(ctx context.Context, trigger Trigger) (Summary, error) {
	summary := Summary{Periods: []Period{}}

	_, found, err := s.opts.Bindings.Binding(ctx, property.Reporting)
	if err != nil {
		return summary, fmt.Errorf("failed to read reporting binding: %w", err)
	}
	if !found {
		return s.skip(summary, "no reporting property configured"), nil
	}
	if s.opts.Email.Disabled {
		return s.skip(summary, "email reports are disabled"), nil
	}

	recipients := trigger.Recipients.Normalize()
	if len(recipients) == 0 {
		recipients = s.opts.Email.Recipients.Normalize()
	}
	if len(recipients) == 0 {
		return s.skip(summary, "no recipients configured"), nil
	}

	now := s.now()
	for _, period := range WhenToSend(now, s.opts.Email, trigger.Test) {
		sentKey := SentKeyPrefix + string(period) + "_" + now.Format(DateLayout)
		dedupe := period != Test && s.opts.Limiter != nil
		if dedupe && s.opts.Limiter.Marked(ctx, sentKey) {
			s.logger.Debug("summary already sent today", "period", period)
			continue
		}
		summary.Periods = append(summary.Periods, period)

		html, subject, err := s.compose(ctx, period, now)
		if err != nil {
			s.logger.Error("failed to compose summary", "period", period, "error", err)
			summary.Failed += len(recipients)
			continue
		}

		sent := 0
		for _, to := range recipients {
			err := s.opts.Sender.Send(ctx, mail.Message{To: to, Subject: subject, HTML: html})
			s.opts.Metrics.RecordEmail("summary_"+string(period), sendStatus(err))
			if err != nil {
				s.logger.Warn("failed to send summary", "period", period, "to", to.Email, "error", err)
				summary.Failed++
				continue
			}
			sent++
		}
		summary.Sent += sent

		// a period nobody received stays due for the next tick
		if dedupe && sent > 0 {
			s.opts.Limiter.Allow(ctx, sentKey, 24*time.Hour)
		}
	}

	if len(summary.Periods) == 0 {
		return s.skip(summary, "nothing due"), nil
	}
	s.opts.Metrics.RecordSchedulerRun("ran")
	s.logger.Info("summary run finished", "periods", summary.Periods, "sent", summary.Sent, "failed", summary.Failed)
	return summary, nil
}

func (s *Scheduler) skip(summary Summary, reason string) Summary {
	summary.Skipped = reason
	s.opts.Metrics.RecordSchedulerRun("skipped")
	s.logger.Debug("summary run skipped", "reason", reason)
	return summary
}

// Preview renders the summary a test run would send
func (s *Scheduler) Preview(ctx context.Context) (string, error) {
	html, _, err := s.compose(ctx, Test, s.now())
	return html, err
}

func (s *Scheduler) compose(ctx context.Context, period Period, now time.Time) (string, string, error) {
	current, compare := Ranges(period, now)

	stats, err := s.opts.Stats.GeneralStats(ctx, current)
	if err != nil {
		return "", "", err
	}
	previous, err := s.opts.Stats.GeneralStats(ctx, compare)
	if err != nil {
		return "", "", err
	}

	pages, err := s.opts.Stats.TopPages(ctx, current, topPagesLimit)
	if err != nil {
		s.logger.Warn("top pages unavailable for summary", "error", err)
		pages = nil
	}

	data := SummaryData{
		Title:    titleFor(period),
		SiteName: s.opts.Site.Name,
		SiteURL:  s.opts.Site.URL,
		Range:    current,
		Compare:  compare,
		Metrics:  metricRows(stats, previous),
		TopPages: pageRows(pages),
	}
	html, err := s.opts.Templates.Render(mail.Summary, data)
	if err != nil {
		return "", "", err
	}

	subject := data.Title
	if s.opts.Site.Name != "" {
		subject = fmt.Sprintf("%s for %s", data.Title, s.opts.Site.Name)
	}
	return html, subject, nil
}

// Start runs the scheduler every interval until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("summary scheduler started", "interval", interval)
		for {
			select {
			case <-runCtx.Done():
				s.logger.Info("summary scheduler stopped")
				return
			case <-ticker.C:
				if _, err := s.Run(runCtx, Trigger{}); err != nil {
					s.opts.Metrics.RecordSchedulerRun("error")
					s.logger.Error("summary run failed", "error", err)
				}
			}
		}
	}(s.done)
}

// Stop halts the loop started by Start and waits for it to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func sendStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "sent"
}
