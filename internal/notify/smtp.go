package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/rs/zerolog/log"
)

// SMTPConfig describes the mail relay. Credentials come from configuration
// only.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	StartTLS bool
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && len(c.To) > 0
}

// SplitRecipients parses a comma separated recipient list.
func SplitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type sendFunc func(e *email.Email, addr string, auth smtp.Auth, startTLS bool, host string) error

func defaultSend(e *email.Email, addr string, auth smtp.Auth, startTLS bool, host string) error {
	if startTLS {
		return e.SendWithStartTLS(addr, auth, &tls.Config{ServerName: host})
	}
	return e.Send(addr, auth)
}

// SMTP sends alerts by mail.
type SMTP struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewSMTP returns a mail notifier for cfg.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTP{cfg: cfg, send: defaultSend}
}

func (s *SMTP) Alert(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	mail := email.NewEmail()
	mail.From = s.cfg.From
	mail.To = s.cfg.To
	mail.Subject = subject
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	err := s.send(mail, addr, auth, s.cfg.StartTLS, s.cfg.Host)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = s.send(mail, addr, nil, s.cfg.StartTLS, s.cfg.Host)
	}
	if err != nil {
		return fmt.Errorf("%w: smtp %s: %v", ErrDelivery, addr, err)
	}

	log.Info().Strs("to", s.cfg.To).Str("subject", subject).Msg("Alert mailed")
	return nil
}
