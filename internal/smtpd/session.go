package smtpd

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/photo-mailer/internal/parser"
	"github.com/shineum/photo-mailer/internal/provider"
)

const (
	idleTimeout    = 60 * time.Second
	maxMessageSize = 25 * 1024 * 1024
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errUnparseable = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errDeliveryFailed = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Delivery failed, try again later",
	}
)

// backend creates one session per accepted connection.
type backend struct {
	ctx      context.Context
	auth     *Authenticator
	provider provider.Provider
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{
		ctx:      b.ctx,
		conn:     c,
		auth:     b.auth,
		provider: b.provider,
	}, nil
}

// session holds the envelope of the current transaction.
type session struct {
	ctx      context.Context
	conn     *gosmtp.Conn
	auth     *Authenticator
	provider provider.Provider

	authenticated bool
	from          string
	to            []string
}

func (s *session) AuthMechanisms() []string {
	return s.auth.Mechanisms()
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return s.auth.Server(mech, func() { s.authenticated = true })
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.auth.Enabled() && !s.authenticated {
		return errAuthRequired
	}
	s.from = from
	s.to = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(&idleReader{r: r, conn: s.conn.Conn(), timeout: idleTimeout})
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("rejecting unparseable message", "error", err, "from", s.from)
		return errUnparseable
	}
	if msg.From == "" {
		msg.From = s.from
	}
	if len(msg.To) == 0 {
		msg.To = append([]string(nil), s.to...)
	}

	if err := s.provider.Send(s.ctx, msg); err != nil {
		slog.Error("relay delivery failed",
			"provider", s.provider.Name(),
			"from", s.from,
			"recipients", len(s.to),
			"error", err,
		)
		return errDeliveryFailed
	}

	slog.Info("relay accepted message",
		"provider", s.provider.Name(),
		"from", s.from,
		"recipients", len(s.to),
		"bytes", len(raw),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// idleReader pushes the read deadline forward before every read so a large
// message only needs to keep making progress, not finish within one timeout.
type idleReader struct {
	r       io.Reader
	conn    interface{ SetReadDeadline(time.Time) error }
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if err := ir.conn.SetReadDeadline(time.Now().Add(ir.timeout)); err != nil {
		return 0, err
	}
	return ir.r.Read(p)
}
