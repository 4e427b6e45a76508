package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
)

// Mailer delivers one rendered email.
type Mailer interface {
	Send(ctx context.Context, toEmail, subject, markdownBody string) error
}

// NotificationService renders markdown bodies to HTML and sends them through
// SendGrid. Without an API key it degrades to logging, which keeps local
// development quiet.
type NotificationService struct {
	client    *sendgrid.Client
	fromEmail string
	opsEmail  string
	log       *zap.Logger
}

func NewNotificationService(apiKey, fromEmail, opsEmail string, log *zap.Logger) *NotificationService {
	s := &NotificationService{
		fromEmail: fromEmail,
		opsEmail:  opsEmail,
		log:       log.Named("notifications"),
	}
	if apiKey != "" {
		s.client = sendgrid.NewSendClient(apiKey)
	}
	return s
}

func (s *NotificationService) Send(ctx context.Context, toEmail, subject, markdownBody string) error {
	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(markdownBody), &htmlBuf); err != nil {
		return fmt.Errorf("render email body: %w", err)
	}

	if s.client == nil {
		s.log.Info("email suppressed (no api key)",
			zap.String("to", toEmail), zap.String("subject", subject))
		return nil
	}

	from := mail.NewEmail("AgentRun", s.fromEmail)
	to := mail.NewEmail("", toEmail)
	msg := mail.NewSingleEmail(from, subject, to, markdownBody, htmlBuf.String())

	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("email provider returned HTTP %d", resp.StatusCode)
	}
	s.log.Info("email sent", zap.String("to", toEmail), zap.String("subject", subject))
	return nil
}

// SendPaymentFailed alerts the ops inbox about a failed renewal charge.
// User-facing dunning is the identity service's job; it knows the address.
func (s *NotificationService) SendPaymentFailed(ctx context.Context, accountID, invoiceID string, attempt int, nextRetry *time.Time) error {
	if s.opsEmail == "" {
		s.log.Info("payment-failed alert suppressed (no ops email)",
			zap.String("account_id", accountID), zap.String("invoice_id", invoiceID))
		return nil
	}
	body := fmt.Sprintf(`# Payment failed

| | |
|---|---|
| Account | %s |
| Invoice | %s |
| Attempt | %d |

Credits were not modified.`, accountID, invoiceID, attempt)
	if nextRetry != nil {
		body += fmt.Sprintf("\n\nProvider retries on **%s**.", nextRetry.UTC().Format("Jan 2, 2006"))
	}
	return s.Send(ctx, s.opsEmail, fmt.Sprintf("Payment failed for account %s", accountID), body)
}

// SendReconciliationReport mails the nightly findings to the ops inbox.
func (s *NotificationService) SendReconciliationReport(ctx context.Context, report string) error {
	if s.opsEmail == "" {
		s.log.Info("reconciliation report suppressed (no ops email)")
		return nil
	}
	subject := fmt.Sprintf("Reconciliation report %s", time.Now().UTC().Format("2006-01-02"))
	return s.Send(ctx, s.opsEmail, subject, report)
}
