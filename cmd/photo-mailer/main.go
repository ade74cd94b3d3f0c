// Package main is the entry point for the photo mailer HTTP service.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/photo-mailer/internal/config"
	"github.com/shineum/photo-mailer/internal/dkim"
	"github.com/shineum/photo-mailer/internal/httpapi"
	"github.com/shineum/photo-mailer/internal/provider"
	"github.com/shineum/photo-mailer/internal/provider/graph"
	"github.com/shineum/photo-mailer/internal/provider/ses"
	smtpprovider "github.com/shineum/photo-mailer/internal/provider/smtp"
	"github.com/shineum/photo-mailer/internal/provider/stdout"
	"github.com/shineum/photo-mailer/internal/sendphoto"
	"github.com/shineum/photo-mailer/internal/smtpd"
	tlsutil "github.com/shineum/photo-mailer/internal/tls"
)

const defaultEnvFile = ".env"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", "", "path to a .env file (default: ./.env when present)")
	devRelay := flag.String("dev-relay", "", "run a local SMTP relay on this address and deliver through it")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var relayTLS *tls.Config
	if *devRelay != "" {
		relayTLS, err = startDevRelay(ctx, cfg, *devRelay, logger)
		if err != nil {
			logger.Error("failed to start dev relay", "error", err)
			os.Exit(1)
		}
	}

	prov, err := selectProvider(ctx, cfg, relayTLS, logger)
	if err != nil {
		logger.Error("failed to create provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	service := sendphoto.New(sendphoto.Config{
		Sender:  cfg.Mail.User,
		Subject: cfg.Mail.Subject,
	}, prov, logger)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr: cfg.HTTP.Listen,
		Sender:     service,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create http server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting photo-mailer",
		"listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"sender", cfg.Mail.User,
		"dev_relay", *devRelay,
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("received signal, initiating shutdown")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	}

	logger.Info("photo-mailer stopped")
}

// loadEnvFile loads key=value pairs into the process environment without
// overriding variables that are already set. A missing default file is not
// an error.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	err := godotenv.Load(defaultEnvFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a JSON slog logger as the default and returns it.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// startDevRelay runs an in-process relay that prints what it receives and
// points the smtp settings at it. The returned client TLS config trusts the
// relay's certificate.
func startDevRelay(ctx context.Context, cfg *config.Config, addr string, logger *slog.Logger) (*tls.Config, error) {
	if cfg.Provider != config.ProviderSMTP {
		return nil, errors.New("-dev-relay requires the smtp provider")
	}

	serverTLS, err := tlsutil.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	pool, err := tlsutil.TrustPool(serverTLS)
	if err != nil {
		return nil, err
	}

	relay := smtpd.New(smtpd.ServerConfig{
		ListenAddr:   addr,
		Hostname:     "localhost",
		Provider:     stdout.New(),
		TLSConfig:    serverTLS,
		AuthUsername: cfg.Mail.User,
		AuthPassword: cfg.Mail.Password,
	})
	if err := relay.Listen(); err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(relay.Addr())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	cfg.SMTP.Server = host
	cfg.SMTP.Port = port

	go func() {
		if err := relay.Serve(ctx); err != nil {
			logger.Error("dev relay stopped", "error", err)
		}
	}()

	logger.Info("dev relay listening", "addr", relay.Addr())
	return &tls.Config{RootCAs: pool}, nil
}

// selectProvider builds the delivery backend named by PROVIDER.
func selectProvider(ctx context.Context, cfg *config.Config, relayTLS *tls.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		signer, err := dkim.New(cfg.DKIMSettings())
		if err != nil {
			return nil, err
		}
		logger.Info("using SMTP provider",
			"server", cfg.SMTP.Server,
			"port", cfg.SMTP.Port,
			"dkim_selector", signer.Selector(),
		)
		return smtpprovider.New(smtpprovider.Config{
			Host:      cfg.SMTP.Server,
			Port:      cfg.SMTP.Port,
			Username:  cfg.Mail.User,
			Password:  cfg.Mail.Password,
			Timeout:   cfg.SMTP.Timeout,
			TLSConfig: relayTLS,
			Signer:    signer,
		}), nil

	case config.ProviderSES:
		logger.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.ProviderGraph:
		logger.Info("using Microsoft Graph provider", "sender", cfg.Mail.User)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Mail.User,
		}), nil

	case config.ProviderStdout:
		logger.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, errors.New("unknown provider " + cfg.Provider)
	}
}
