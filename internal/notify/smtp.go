package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPProvider sends mail over plain SMTP with optional PLAIN auth.
type SMTPProvider struct {
	cfg SMTPConfig
}

// NewSMTPProvider creates an SMTP provider.
func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Name() string { return "smtp" }

// Send delivers the message. net/smtp has no context support; the caller's
// timeout bounds the goroutine, not the dial.
func (p *SMTPProvider) Send(_ context.Context, msg Message) error {
	raw := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		p.cfg.From, strings.Join(msg.To, ", "), msg.Subject, msg.Body,
	)

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var auth smtp.Auth
	if p.cfg.User != "" {
		auth = smtp.PlainAuth("", p.cfg.User, p.cfg.Password, p.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, p.cfg.From, msg.To, []byte(raw)); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

// LogProvider writes notifications to the log instead of sending mail.
// Used in development when SMTP is not configured.
type LogProvider struct {
	Logger *slog.Logger
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(_ context.Context, msg Message) error {
	p.Logger.Info("notify: email (dev mode — SMTP not configured)",
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
	)
	return nil
}
