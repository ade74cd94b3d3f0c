// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/photo-mailer/internal/email"
)

// Delivery failures that callers need to tell apart. Providers wrap their
// errors with these so errors.Is works across backends.
var (
	// ErrAuth means the backend rejected the configured credentials.
	ErrAuth = errors.New("delivery authentication failed")
	// ErrConnect means the backend could not be reached.
	ErrConnect = errors.New("delivery connection failed")
)

// Provider is the interface that email delivery backends must implement.
type Provider interface {
	// Send delivers one message. It makes a single attempt.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
