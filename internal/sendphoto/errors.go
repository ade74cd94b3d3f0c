package sendphoto

import (
	"errors"

	"github.com/shineum/photo-mailer/internal/provider"
)

// Kind classifies a failure for the transport layer.
type Kind int

const (
	// KindInternal covers everything without a more specific kind.
	KindInternal Kind = iota
	// KindValidation means the request itself was unusable.
	KindValidation
	// KindAuth means the mail backend rejected our credentials.
	KindAuth
	// KindConnect means the mail backend could not be reached.
	KindConnect
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConnect:
		return "connect"
	default:
		return "internal"
	}
}

// Validation failures. Their text is safe to show to callers.
var (
	ErrRecipientMissing = errors.New("recipient not provided")
	ErrPhotoMissing     = errors.New("no photo selected")
	ErrFilenameInvalid  = errors.New("invalid or empty filename")
)

// KindOf reports the Kind of err. It never inspects error text.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrRecipientMissing),
		errors.Is(err, ErrPhotoMissing),
		errors.Is(err, ErrFilenameInvalid):
		return KindValidation
	case errors.Is(err, provider.ErrAuth):
		return KindAuth
	case errors.Is(err, provider.ErrConnect):
		return KindConnect
	default:
		return KindInternal
	}
}
