// Package smtpd implements a small SMTP relay with STARTTLS, AUTH and
// provider-based delivery on top of go-smtp. It backs the development relay
// mode and the relay stub used by the delivery tests.
package smtpd

import (
	"crypto/subtle"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Authenticator checks SMTP AUTH credentials against a single configured
// account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either value is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Mechanisms lists the SASL mechanisms advertised in EHLO.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Server returns a SASL server for mech. onSuccess runs once the client
// has proven the credentials.
func (a *Authenticator) Server(mech string, onSuccess func()) (sasl.Server, error) {
	if !a.Enabled() {
		return nil, gosmtp.ErrAuthUnsupported
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return gosmtp.ErrAuthFailed
			}
			return a.verify(username, password, onSuccess)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return a.verify(username, password, onSuccess)
		}), nil
	default:
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}

func (a *Authenticator) verify(user, pass string, onSuccess func()) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return gosmtp.ErrAuthFailed
	}
	if onSuccess != nil {
		onSuccess()
	}
	return nil
}
