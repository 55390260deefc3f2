package email

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/models"
)

// Sender handles sending operational alerts via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
	}
	s.send = s.smtpSend
	return s
}

// Enabled reports whether SMTP and an alert recipient are configured
func (s *Sender) Enabled() bool {
	return s.cfg.SMTP.Host != "" && s.cfg.SMTP.AlertTo != ""
}

// DeliveryExhausted tells operators that a webhook gave up after its last attempt
func (s *Sender) DeliveryExhausted(hook *models.Hook, last *models.WebhookLog) error {
	if !s.Enabled() {
		return nil
	}
	e := email.NewEmail()
	e.From = s.cfg.SMTP.From
	e.To = []string{s.cfg.SMTP.AlertTo}
	e.Subject = fmt.Sprintf("Webhook delivery failed for cashbox %d", hook.CashboxID)

	body := fmt.Sprintf(
		"Delivery of the %s notification for transaction %d to %s stopped after %d attempts.\n"+
			"Last attempt: %s\n"+
			"Response code: %d\n",
		last.EventType, last.TransactionID, hook.URL, last.Attempt,
		last.CreatedAt.Format(time.RFC3339), last.ResponseCode,
	)
	if last.ErrorMessage != "" {
		body += fmt.Sprintf("Error: %s\n", last.ErrorMessage)
	}
	body += "\nCard Gateway"
	e.Text = []byte(body)

	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send alert to %s: %v", s.cfg.SMTP.AlertTo, err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", s.cfg.SMTP.AlertTo, e.Subject)
	return nil
}

func (s *Sender) smtpSend(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTP.Host, s.cfg.SMTP.Port)
	auth := smtp.PlainAuth("", s.cfg.SMTP.Username, s.cfg.SMTP.Password, s.cfg.SMTP.Host)
	return e.Send(addr, auth)
}
