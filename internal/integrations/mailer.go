package integrations

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"admitflow/internal/config"

	"github.com/sirupsen/logrus"
)

// SMTPMailer sends plain SMTP mail.
type SMTPMailer struct {
	cfg    config.SMTPConfig
	logger *logrus.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now    func() time.Time
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *logrus.Logger) *SMTPMailer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SMTPMailer{cfg: cfg, logger: logger, send: smtp.SendMail, now: time.Now}
}

func (m *SMTPMailer) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := buildMessage(m.cfg.From, to, subject, body, m.now())

	// net/smtp has no context support; the send keeps running after a timeout.
	done := make(chan error, 1)
	go func() { done <- m.send(addr, auth, m.cfg.From, to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp %s: %w", addr, err)
		}
		m.logger.WithField("to", to).Debugf("mail: sent %q", subject)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, to []string, subject, body string, at time.Time) []byte {
	contentType := "text/plain; charset=UTF-8"
	if strings.HasPrefix(strings.TrimSpace(body), "<") {
		contentType = "text/html; charset=UTF-8"
	}
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogMailer only logs; used when no SMTP host is configured.
type LogMailer struct {
	Logger *logrus.Logger
}

func (m LogMailer) SendEmail(ctx context.Context, to []string, subject, body string) error {
	m.Logger.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("mail: smtp not configured, message logged only")
	return nil
}
