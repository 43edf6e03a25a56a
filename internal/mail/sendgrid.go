package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"analytify/internal/logging"
)

// SendGridConfig configures the SendGrid sender
type SendGridConfig struct {
	APIKey    string
	FromName  string
	FromEmail string
	// BaseURL overrides the mail send endpoint
	BaseURL string
}

// SendGrid sends messages through the SendGrid v3 mail send API
type SendGrid struct {
	cli    *sendgrid.Client
	from   *sgmail.Email
	logger *slog.Logger
}

// NewSendGrid creates a SendGrid sender
func NewSendGrid(c SendGridConfig, logger *slog.Logger) (*SendGrid, error) {
	if c.APIKey == "" || c.FromEmail == "" {
		return nil, fmt.Errorf("incomplete sendgrid config: api key and from email are required")
	}

	cli := sendgrid.NewSendClient(c.APIKey)
	if c.BaseURL != "" {
		cli.BaseURL = c.BaseURL
	}
	return &SendGrid{
		cli:    cli,
		from:   sgmail.NewEmail(c.FromName, c.FromEmail),
		logger: logging.OrDefault(logger),
	}, nil
}

// Send delivers one HTML message
func (s *SendGrid) Send(ctx context.Context, msg Message) error {
	if msg.To.Email == "" {
		return fmt.Errorf("message has no recipient")
	}

	to := sgmail.NewEmail(msg.To.Name, msg.To.Email)
	email := sgmail.NewV3MailInit(s.from, msg.Subject, to, sgmail.NewContent("text/html", msg.HTML))

	resp, err := s.cli.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("error sending email: mail api limit reached")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("error sending email bad status code: %s, status code: %d", resp.Body, resp.StatusCode)
	}

	s.logger.Debug("email sent", "to", msg.To.Email, "subject", msg.Subject)
	return nil
}
