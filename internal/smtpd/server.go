package smtpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/photo-mailer/internal/provider"
)

const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g. "127.0.0.1:2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// TLSConfig enables STARTTLS when non-nil. AUTH is only offered over
	// TLS when it is set.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable and require SMTP AUTH when both are set.
	AuthUsername string
	AuthPassword string
}

// Server accepts SMTP connections and hands each message to a Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// Listen binds the listening socket. After it returns, Addr reports the
// bound address, which is useful with port 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP relay listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits up to
// shutdownTimeout for in-flight sessions. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("smtpd: Serve called before Listen")
	}

	srv := s.newSMTPServer(ctx)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		// Shutdown only closes listeners srv.Serve has registered, so a
		// cancel that lands before registration needs this explicit close.
		defer ln.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown timeout reached, leaving sessions to the idle timeout", "error", err)
			return
		}
		slog.Info("SMTP relay stopped")
	}()

	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	<-stopped
	return nil
}

func (s *Server) newSMTPServer(ctx context.Context) *gosmtp.Server {
	srv := gosmtp.NewServer(&backend{
		ctx:      ctx,
		auth:     s.auth,
		provider: s.config.Provider,
	})
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.AllowInsecureAuth = s.config.TLSConfig == nil
	srv.MaxMessageBytes = maxMessageSize
	srv.MaxRecipients = 100
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.ErrorLog = slogLogger{}
	return srv
}

// Addr returns the listener address, or an empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// slogLogger routes go-smtp's internal error log through slog.
type slogLogger struct{}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Warn("smtp server", "detail", fmt.Sprintf(format, v...))
}

func (slogLogger) Println(v ...interface{}) {
	slog.Warn("smtp server", "detail", fmt.Sprintln(v...))
}
