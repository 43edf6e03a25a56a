package mail

import (
	"context"
	"fmt"
	"time"

	"analytify/internal/api"
	"analytify/internal/config"
	"analytify/internal/metrics"
)

// TokenFailureData feeds the token failure template
type TokenFailureData struct {
	SiteName string
	SiteURL  string
	At       string
	Reason   string
}

// Notifier emails the site admin when the token refresh fails
type Notifier struct {
	sender    Sender
	templates *Templates
	site      config.SiteConfig
	to        config.Recipient
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewNotifier creates a failure notifier sending to the admin address
func NewNotifier(sender Sender, templates *Templates, site config.SiteConfig, adminEmail string, m *metrics.Metrics, now func() time.Time) *Notifier {
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		sender:    sender,
		templates: templates,
		site:      site,
		to:        config.Recipient{Email: adminEmail},
		metrics:   m,
		now:       now,
	}
}

var _ api.FailureNotifier = (*Notifier)(nil)

// NotifyTokenFailure sends the failure message
func (n *Notifier) NotifyTokenFailure(ctx context.Context, cause error) error {
	if n.to.Email == "" {
		return fmt.Errorf("no admin email configured")
	}

	reason := api.ReasonOf(cause)
	if reason == "" && cause != nil {
		reason = api.KindOf(cause).String()
	}
	html, err := n.templates.Render(TokenFailure, TokenFailureData{
		SiteName: n.site.Name,
		SiteURL:  n.site.URL,
		At:       n.now().UTC().Format(time.RFC1123),
		Reason:   reason,
	})
	if err != nil {
		return err
	}

	err = n.sender.Send(ctx, Message{
		To:      n.to,
		Subject: "Analytify: Google Analytics connection lost",
		HTML:    html,
	})
	n.metrics.RecordEmail("token_failure", status(err))
	return err
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "sent"
}
