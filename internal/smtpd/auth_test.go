package smtpd

import (
	"errors"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "sender@example.com", password: "app-password", want: true},
		{name: "empty username", password: "app-password"},
		{name: "empty password", username: "sender@example.com"},
		{name: "both empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
			if got := len(auth.Mechanisms()) > 0; got != tt.want {
				t.Errorf("Mechanisms(): got %v", auth.Mechanisms())
			}
		})
	}
}

func TestAuthenticator_Plain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		wantErr  error
	}{
		{name: "no authzid", response: "\x00sender@example.com\x00app-password"},
		{name: "authzid equal to user", response: "sender@example.com\x00sender@example.com\x00app-password"},
		{name: "authzid for another user", response: "admin@example.com\x00sender@example.com\x00app-password", wantErr: gosmtp.ErrAuthFailed},
		{name: "wrong password", response: "\x00sender@example.com\x00nope", wantErr: gosmtp.ErrAuthFailed},
		{name: "wrong username", response: "\x00other@example.com\x00app-password", wantErr: gosmtp.ErrAuthFailed},
		{name: "password case differs", response: "\x00sender@example.com\x00APP-PASSWORD", wantErr: gosmtp.ErrAuthFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			succeeded := false
			auth := NewAuthenticator("sender@example.com", "app-password")
			srv, err := auth.Server(sasl.Plain, func() { succeeded = true })
			if err != nil {
				t.Fatalf("Server: %v", err)
			}

			_, done, err := srv.Next([]byte(tt.response))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Next: got err %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !done {
				t.Error("Next: exchange not done after valid credentials")
			}
			if succeeded != (tt.wantErr == nil) {
				t.Errorf("onSuccess called: got %v, want %v", succeeded, tt.wantErr == nil)
			}
		})
	}
}

func TestAuthenticator_PlainMalformed(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("sender@example.com", "app-password")
	srv, err := auth.Server(sasl.Plain, nil)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if _, _, err := srv.Next([]byte("sender@example.com\x00app-password")); err == nil {
		t.Error("expected error for a response with a single separator")
	}
}

func TestAuthenticator_Login(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr bool
	}{
		{name: "valid", user: "sender@example.com", pass: "app-password"},
		{name: "wrong password", user: "sender@example.com", pass: "nope", wantErr: true},
		{name: "empty password", user: "sender@example.com", pass: "", wantErr: true},
		{name: "wrong username", user: "other@example.com", pass: "app-password", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			auth := NewAuthenticator("sender@example.com", "app-password")
			srv, err := auth.Server(sasl.Login, nil)
			if err != nil {
				t.Fatalf("Server: %v", err)
			}

			challenge, _, err := srv.Next(nil)
			if err != nil || string(challenge) != "Username:" {
				t.Fatalf("first challenge: got %q, %v", challenge, err)
			}
			challenge, _, err = srv.Next([]byte(tt.user))
			if err != nil || string(challenge) != "Password:" {
				t.Fatalf("second challenge: got %q, %v", challenge, err)
			}
			_, _, err = srv.Next([]byte(tt.pass))
			if (err != nil) != tt.wantErr {
				t.Errorf("password: got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_ServerErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthenticator("", "").Server(sasl.Plain, nil); !errors.Is(err, gosmtp.ErrAuthUnsupported) {
		t.Errorf("disabled: got %v, want ErrAuthUnsupported", err)
	}
	if _, err := NewAuthenticator("u", "p").Server("CRAM-MD5", nil); !errors.Is(err, gosmtp.ErrAuthUnknownMechanism) {
		t.Errorf("unknown mechanism: got %v, want ErrAuthUnknownMechanism", err)
	}
}
