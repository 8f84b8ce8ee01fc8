// Package notify delivers best-effort owner notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"storefront-escrow/internal/metrics"

	"github.com/wneessen/go-mail"
)

// Message is one plain-text notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier sends notifications. Callers log failures and never block on them.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SMTPConfig defines the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP sends messages through a mail relay using go-mail.
type SMTP struct {
	cfg     SMTPConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSMTP creates an SMTP notifier.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger, metricRegistry *metrics.Metrics) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{
		cfg:     cfg,
		logger:  logger.With("component", "smtp"),
		metrics: metricRegistry,
	}
}

func (s *SMTP) Notify(ctx context.Context, msg Message) error {
	err := s.send(ctx, msg)
	if err != nil {
		s.metrics.Notifications.WithLabelValues("failed").Inc()
		return err
	}
	s.metrics.Notifications.WithLabelValues("sent").Inc()
	return nil
}

func (s *SMTP) send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("init smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

func (s *SMTP) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("set to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

// Log writes notifications to the logger. Used when no mail relay is configured.
type Log struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger, metricRegistry *metrics.Metrics) *Log {
	return &Log{logger: logger.With("component", "notify"), metrics: metricRegistry}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.logger.Info("notification", "to", msg.To, "subject", msg.Subject)
	l.metrics.Notifications.WithLabelValues("logged").Inc()
	return nil
}

// NewOrder builds the owner notification for a completed checkout.
func NewOrder(to, siteKey, sessionID string, amount int64, currency string) Message {
	return Message{
		To:      to,
		Subject: fmt.Sprintf("New order on %s", siteKey),
		Body: fmt.Sprintf("A new order was paid on %s.\n\nCheckout: %s\nTotal: %s\n",
			siteKey, sessionID, FormatAmount(amount, currency)),
	}
}

// PayoutReleased builds the owner notification for a released escrow.
func PayoutReleased(to, siteKey, escrowID, transferID string, amount int64, currency string) Message {
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Payout released for %s", siteKey),
		Body: fmt.Sprintf("Funds for order %s were released to your payout account.\n\nAmount: %s\nTransfer: %s\n",
			escrowID, FormatAmount(amount, currency), transferID),
	}
}

// FormatAmount renders a minor-unit amount with its currency code.
func FormatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%d %s", amount, strings.ToUpper(currency))
}
