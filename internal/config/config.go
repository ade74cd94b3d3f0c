// Package config loads the immutable process configuration: defaults, an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/shineum/photo-mailer/internal/dkim"
)

// Provider names accepted in PROVIDER.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// DefaultSubject is the subject line of every photo email unless overridden.
const DefaultSubject = "Photo sent from your web application"

// Config holds the complete application configuration. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Provider string        `yaml:"provider" env:"PROVIDER"`
	HTTP     HTTPConfig    `yaml:"http"`
	Mail     MailConfig    `yaml:"mail"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	DKIM     DKIMConfig    `yaml:"dkim"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen" env:"HTTP_LISTEN"`
}

// MailConfig identifies the sending account.
type MailConfig struct {
	User     string `yaml:"user" env:"EMAIL_USER"`
	Password string `yaml:"password" env:"EMAIL_PASSWORD"`
	Subject  string `yaml:"subject" env:"MAIL_SUBJECT"`
}

// SMTPConfig holds the outbound relay settings.
type SMTPConfig struct {
	Server  string        `yaml:"server" env:"SMTP_SERVER"`
	Port    int           `yaml:"port" env:"SMTP_PORT"`
	Timeout time.Duration `yaml:"timeout" env:"SMTP_TIMEOUT"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string `yaml:"region" env:"SES_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"SES_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SES_SECRET_ACCESS_KEY"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" env:"GRAPH_TENANT_ID"`
	ClientID     string `yaml:"client_id" env:"GRAPH_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GRAPH_CLIENT_SECRET"`
}

// DKIMConfig holds optional DKIM signing settings.
type DKIMConfig struct {
	Selector   string `yaml:"selector" env:"DKIM_SELECTOR"`
	Domain     string `yaml:"domain" env:"DKIM_DOMAIN"`
	KeyFile    string `yaml:"key_file" env:"DKIM_KEY_FILE"`
	PrivateKey string `yaml:"private_key" env:"DKIM_PRIVATE_KEY"`
}

// TLSConfig holds certificate paths for the development relay.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads a YAML file over the defaults, then applies
// environment variables on top. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Provider = ProviderSMTP
	c.HTTP.Listen = "0.0.0.0:5000"
	c.Mail.Subject = DefaultSubject
	c.SMTP.Server = "smtp.gmail.com"
	c.SMTP.Port = 587
	c.Logging.Level = "info"
}

// applyEnvVars overrides fields from the environment. Unset or empty
// variables leave the current value alone.
func (c *Config) applyEnvVars() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

// Validate reports every problem that would stop the selected provider from
// working.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("HTTP_LISTEN must not be empty"))
	}
	if c.Mail.User == "" {
		errs = append(errs, errors.New("EMAIL_USER is required"))
	}
	if strings.TrimSpace(c.Mail.Subject) == "" {
		errs = append(errs, errors.New("MAIL_SUBJECT must not be empty"))
	}

	switch c.Provider {
	case ProviderSMTP:
		if c.Mail.Password == "" {
			errs = append(errs, errors.New("EMAIL_PASSWORD is required for the smtp provider"))
		}
		if c.SMTP.Server == "" {
			errs = append(errs, errors.New("SMTP_SERVER must not be empty"))
		}
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("SMTP_PORT %d out of range", c.SMTP.Port))
		}
		if c.SMTP.Timeout < 0 {
			errs = append(errs, errors.New("SMTP_TIMEOUT must not be negative"))
		}
	case ProviderSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("SES_REGION is required for the ses provider"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET are required for the graph provider"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if all Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// DKIMSettings converts the DKIM section for dkim.New.
func (c *Config) DKIMSettings() dkim.Config {
	return dkim.Config{
		Selector:   c.DKIM.Selector,
		Domain:     c.DKIM.Domain,
		KeyFile:    c.DKIM.KeyFile,
		PrivateKey: c.DKIM.PrivateKey,
	}
}
