// Package mailer sends the operator-facing notices the daemon emits
// out of band: explore's unmount-at notice and inventory's rendered
// report. No mail-sending library ships anywhere in this module's
// dependency set, so this wraps stdlib net/smtp directly.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/tapearchived/tapearchived/internal/config"
)

// Mailer sends plain-text mail using the daemon's configured SMTP
// settings.
type Mailer struct {
	cfg config.SMTPConfig
}

// New constructs a Mailer from cfg.
func New(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Send delivers a plain-text message with subject to to, falling back
// to the configured default recipient when to is empty.
func (m *Mailer) Send(to, subject, body string) error {
	if to == "" {
		to = m.cfg.To
	}
	if to == "" || m.cfg.Host == "" {
		return nil // mail not configured; silently a no-op
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := buildMessage(m.cfg.From, to, subject, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
