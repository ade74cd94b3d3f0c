// Package sendphoto validates photo requests, builds the outgoing message
// and hands it to a delivery provider.
package sendphoto

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/photo-mailer/internal/email"
	"github.com/shineum/photo-mailer/internal/provider"
)

// Photo is an uploaded file.
type Photo struct {
	Filename string
	Content  io.Reader
}

// Request asks for Photo to be mailed to Recipient.
type Request struct {
	Recipient string
	Photo     *Photo
}

// Config holds the fixed parts of every message.
type Config struct {
	Sender  string
	Subject string
}

// Service sends photos. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	cfg      Config
	provider provider.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service delivering through prov.
func New(cfg Config, prov provider.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		provider: prov,
		logger:   logger,
		now:      time.Now,
	}
}

// Validate checks a request without touching the photo content. Checks run
// in order: recipient, photo, filename.
func Validate(req Request) error {
	if strings.TrimSpace(req.Recipient) == "" {
		return ErrRecipientMissing
	}
	if req.Photo == nil {
		return ErrPhotoMissing
	}
	if !validFilename(req.Photo.Filename) {
		return ErrFilenameInvalid
	}
	return nil
}

func validFilename(name string) bool {
	switch strings.TrimSpace(name) {
	case "", ".", "..", "/":
		return false
	}
	return true
}

// Send validates req, reads the photo once and delivers one message with
// the photo attached. Errors carry a Kind recoverable with KindOf.
func (s *Service) Send(ctx context.Context, req Request) error {
	if err := Validate(req); err != nil {
		return err
	}

	content, err := io.ReadAll(req.Photo.Content)
	if err != nil {
		return fmt.Errorf("read photo: %w", err)
	}

	msg := s.buildMessage(strings.TrimSpace(req.Recipient), req.Photo.Filename, content)

	if err := s.provider.Send(ctx, msg); err != nil {
		s.logger.Error("photo delivery failed",
			"provider", s.provider.Name(),
			"recipient", msg.To[0],
			"kind", KindOf(err).String(),
			"error", err,
		)
		return err
	}

	s.logger.Info("photo sent",
		"provider", s.provider.Name(),
		"recipient", msg.To[0],
		"filename", req.Photo.Filename,
		"bytes", len(content),
		"message_id", msg.MessageID,
	)
	return nil
}

func (s *Service) buildMessage(recipient, filename string, content []byte) *email.Message {
	return &email.Message{
		From:      s.cfg.Sender,
		To:        []string{recipient},
		Subject:   s.cfg.Subject,
		Date:      s.now(),
		MessageID: s.messageID(),
		Attachments: []email.Attachment{{
			Filename:    filename,
			ContentType: email.ContentTypeFor(filename),
			Content:     content,
		}},
	}
}

// messageID returns "<uuid@domain>", the domain taken from the sender.
func (s *Service) messageID() string {
	domain := "localhost"
	if at := strings.LastIndex(s.cfg.Sender, "@"); at >= 0 && at < len(s.cfg.Sender)-1 {
		domain = strings.TrimSuffix(s.cfg.Sender[at+1:], ">")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
