package alerts

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mkarlis/gridtrader/internal/config"
)

// EmailChannel delivers alerts over SMTP
type EmailChannel struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	log  zerolog.Logger
}

// NewEmailChannel creates an SMTP alert channel
func NewEmailChannel(cfg config.SMTPConfig, log zerolog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:  cfg,
		send: smtp.SendMail,
		log:  log.With().Str("channel", "email").Logger(),
	}
}

// Name implements Channel
func (c *EmailChannel) Name() string {
	return "email"
}

// Deliver implements Channel
func (c *EmailChannel) Deliver(a Alert) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	msg := c.buildMessage(a)
	if err := c.send(addr, auth, c.cfg.From, []string{c.cfg.To}, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	return nil
}

func (c *EmailChannel) buildMessage(a Alert) []byte {
	subject := fmt.Sprintf("[%s] %s", a.Severity, a.Kind)
	if a.Symbol != "" {
		subject += " " + a.Symbol
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Alert: %s\r\nSeverity: %s\r\n", a.Kind, a.Severity)
	if a.GridID != "" {
		fmt.Fprintf(&body, "Grid: %s\r\n", a.GridID)
	}
	if a.Symbol != "" {
		fmt.Fprintf(&body, "Symbol: %s\r\n", a.Symbol)
	}
	fmt.Fprintf(&body, "Time: %s\r\n\r\n", a.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	for k, v := range a.Payload {
		fmt.Fprintf(&body, "%s: %v\r\n", k, v)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		c.cfg.From, c.cfg.To, subject, body.String())
	return []byte(msg)
}
