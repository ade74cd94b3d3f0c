// Package smtp implements a Provider that relays messages through an SMTP
// submission server using STARTTLS and AUTH LOGIN.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/photo-mailer/internal/dkim"
	"github.com/shineum/photo-mailer/internal/email"
	"github.com/shineum/photo-mailer/internal/provider"
)

// Config holds the relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout bounds the dial and each SMTP command. Zero means no limit.
	Timeout time.Duration

	// TLSConfig is used for STARTTLS. ServerName defaults to Host.
	TLSConfig *tls.Config

	// Signer adds a DKIM signature when non-nil.
	Signer *dkim.Signer
}

// Provider sends messages through an SMTP relay. Every Send opens a fresh
// connection and makes a single delivery attempt.
type Provider struct {
	cfg  Config
	addr string
}

// New creates a relay Provider.
func New(cfg Config) *Provider {
	return &Provider{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send renders msg and submits it to the relay. Connection and greeting
// failures wrap provider.ErrConnect; credential rejection wraps
// provider.ErrAuth.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	raw, err := msg.Render()
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}
	raw, err = p.cfg.Signer.Sign(raw, msg.From)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", provider.ErrConnect, p.addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The relay is greeted, asked for EHLO and switched to TLS here. The
	// handshake itself runs on the next command, so certificate errors
	// surface from Auth.
	c, err := gosmtp.NewClientStartTLS(conn, p.tlsConfig())
	if err != nil {
		return fmt.Errorf("%w: starttls with %s: %w", provider.ErrConnect, p.addr, err)
	}
	defer c.Close()
	if p.cfg.Timeout > 0 {
		c.CommandTimeout = p.cfg.Timeout
		c.SubmissionTimeout = p.cfg.Timeout
	}

	if err := c.Auth(sasl.NewLoginClient(p.cfg.Username, p.cfg.Password)); err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return fmt.Errorf("%w: %w", provider.ErrAuth, err)
		}
		return fmt.Errorf("auth: %w", err)
	}

	if err := c.Mail(envelopeAddress(msg.From), nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	recipients := append(append([]string{}, msg.To...), msg.Cc...)
	for _, rcpt := range recipients {
		if err := c.Rcpt(envelopeAddress(rcpt), nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}

	if err := c.Quit(); err != nil {
		slog.Debug("QUIT failed after delivery", "addr", p.addr, "error", err)
	}

	slog.Debug("message relayed",
		"addr", p.addr,
		"recipients", len(recipients),
		"bytes", len(raw),
	)
	return nil
}

func (p *Provider) tlsConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.cfg.TLSConfig != nil {
		cfg = p.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = p.cfg.Host
	}
	return cfg
}

// envelopeAddress strips any display name so the address can be used in
// MAIL FROM and RCPT TO.
func envelopeAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return s
}
