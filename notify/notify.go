// Package notify delivers account notifications by email.
//
// Delivery is best-effort from the engine's point of view: a failed send is
// logged by the caller and never rolls back the operation that produced it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Message is one rendered email.
type Message struct {
	ToName  string
	To      string
	Subject string
	Body    string
}

// Mailer sends rendered messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to [Mailer].
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// SMTPConfig configures [SMTPMailer]. Addr is host:port.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPMailer sends plain-text mail with PLAIN auth.
type SMTPMailer struct {
	cfg  SMTPConfig
	host string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer validates cfg and returns a mailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Addr == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("notify: smtp addr, username and password are required")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid smtp addr (expected host:port): %v", err)
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg, host: host, send: smtp.SendMail}, nil
}

// Send delivers msg. net/smtp has no context support; ctx is only checked
// before dialing.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To+msg.Subject, "\r\n") {
		return errors.New("notify: header injection")
	}

	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.host)
	if err := m.send(m.cfg.Addr, auth, m.cfg.From, []string{msg.To}, m.encode(msg)); err != nil {
		return fmt.Errorf("notify: send via %s: %w", m.host, err)
	}
	return nil
}

func (m *SMTPMailer) encode(msg Message) []byte {
	var b strings.Builder
	from := m.cfg.From
	if m.cfg.FromName != "" {
		from = m.cfg.FromName + " <" + m.cfg.From + ">"
	}
	to := msg.To
	if msg.ToName != "" {
		to = msg.ToName + " <" + msg.To + ">"
	}
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogMailer writes messages to a logger instead of sending them.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("mail",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

var errUnknownKind = errors.New("notify: unknown template")

// Discard drops every message.
var Discard Mailer = MailerFunc(func(context.Context, Message) error { return nil })
