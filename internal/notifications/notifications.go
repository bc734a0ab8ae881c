// Package notifications delivers approval traffic to humans: proposal
// mails that carry the review link to reviewers, and confirmation
// mails once an activation went through.
package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copperline/jitbroker/internal/metrics"
)

// Message is one outbound mail. HTMLBody and TextBody are alternative
// renderings of the same content; recipients see whichever their
// client prefers.
type Message struct {
	Kind     string // metric label, e.g. "proposal" or "approval"
	To       []string
	CC       []string
	Subject  string
	HTMLBody string
	TextBody string
}

// Notifier is the notification sink the broker hands messages to.
type Notifier interface {
	SendMail(ctx context.Context, msg Message) error
}

// Discard is a Notifier that drops messages. Used when SMTP is not
// configured; sends are logged so operators notice.
type Discard struct{}

// SendMail implements Notifier.
func (Discard) SendMail(ctx context.Context, msg Message) error {
	log.Warn().
		Str("kind", msg.Kind).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("SMTP not configured, dropping notification")
	metrics.RecordNotification(msg.Kind, nil)
	return nil
}

// MailerConfig configures the SMTP mailer.
type MailerConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// StartTLS upgrades the plain connection before authenticating.
	// Port 465 implies implicit TLS instead.
	StartTLS bool
	Timeout  time.Duration
}

// Mailer sends messages through an SMTP relay.
type Mailer struct {
	config MailerConfig
}

// NewMailer returns a mailer for the relay.
func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp port %d out of range", cfg.Port)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Mailer{config: cfg}, nil
}

// SendMail implements Notifier. The message goes out in one SMTP
// transaction addressed to every To and CC recipient.
func (m *Mailer) SendMail(ctx context.Context, msg Message) error {
	recipients := append(append([]string{}, msg.To...), msg.CC...)
	if len(recipients) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	err := m.send(ctx, recipients, buildMIME(m.config.From, msg))
	metrics.RecordNotification(msg.Kind, err)
	if err != nil {
		log.Error().
			Err(err).
			Str("kind", msg.Kind).
			Str("smtp", fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)).
			Strs("to", msg.To).
			Msg("Failed to send notification")
		return fmt.Errorf("send mail: %w", err)
	}

	log.Info().
		Str("kind", msg.Kind).
		Strs("to", msg.To).
		Strs("cc", msg.CC).
		Str("subject", msg.Subject).
		Msg("Notification sent")
	return nil
}

// smtpDialContext is a hook so tests can substitute a pipe for the
// network connection.
var smtpDialContext = func(ctx context.Context, dialer *net.Dialer, addr string) (net.Conn, error) {
	return dialer.DialContext(ctx, "tcp", addr)
}

// send runs the SMTP conversation. The context deadline covers the
// whole exchange via the connection deadline.
func (m *Mailer) send(ctx context.Context, recipients []string, body []byte) error {
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))

	dialer := &net.Dialer{Timeout: m.config.Timeout}
	conn, err := smtpDialContext(ctx, dialer, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(m.config.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	// Port 465 speaks TLS from the first byte.
	if m.config.Port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: m.config.Host})
	}

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if m.config.StartTLS && m.config.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: m.config.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return client.Quit()
}

// buildMIME assembles a multipart/alternative message: plain text
// first, HTML last so capable clients prefer it.
func buildMIME(from string, msg Message) []byte {
	const boundary = "jitbroker-mail-boundary"

	var b strings.Builder
	writeHeader := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeHeader("From", from)
	writeHeader("To", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		writeHeader("Cc", strings.Join(msg.CC, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")

	if msg.HTMLBody == "" {
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.TextBody)
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	writeHeader("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.TextBody)
	b.WriteString("\r\n\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n\r\n")

	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}
