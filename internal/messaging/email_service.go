package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
)

// SMTPOpts holds configuration options for the SMTP email service.
type SMTPOpts struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
}

// SMTPOption defines a configuration option for the SMTP email service.
type SMTPOption func(*SMTPOpts)

func WithSMTPAddr(addr string) SMTPOption {
	return func(o *SMTPOpts) { o.Addr = addr }
}

func WithSMTPAuth(username, password string) SMTPOption {
	return func(o *SMTPOpts) {
		o.Username = username
		o.Password = password
	}
}

func WithSMTPFrom(from string) SMTPOption {
	return func(o *SMTPOpts) { o.From = from }
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailService implements Service by relaying through an SMTP server.
type EmailService struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailService builds an EmailService from options, falling back to SMTP_*
// environment variables.
func NewEmailService(opts ...SMTPOption) (*EmailService, error) {
	var cfg SMTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("SMTP_ADDR")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	slog.Debug("SMTP config loaded", "Addr_set", cfg.Addr != "", "Auth_set", cfg.Username != "", "From_set", cfg.From != "")

	if cfg.Addr == "" || cfg.From == "" {
		return nil, fmt.Errorf("SMTP address and from address must be provided")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", cfg.Addr, err)
	}

	s := &EmailService{
		addr:     cfg.Addr,
		from:     cfg.From,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s, nil
}

func (s *EmailService) Channel() models.Channel {
	return models.ChannelEmail
}

func (s *EmailService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalEmailAddress(recipient)
}

// SendMessage relays msg as a plain text UTF-8 email.
func (s *EmailService) SendMessage(ctx context.Context, to string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.sendMail(s.addr, s.auth, s.from, []string{canonicalTo}, s.compose(canonicalTo, msg)); err != nil {
		slog.Error("EmailService.SendMessage failed", "to", canonicalTo, "error", err)
		return fmt.Errorf("failed to send email to %s: %w", canonicalTo, err)
	}
	slog.Debug("EmailService.SendMessage: email sent", "to", canonicalTo)
	return nil
}

func (s *EmailService) compose(to string, msg Message) []byte {
	subject := msg.Subject
	if subject == "" {
		subject = "Bmd Technologies"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
