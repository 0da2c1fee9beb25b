// Package config loads Lockstep configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables always win over it.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Lockstep state data
	DefaultStateDir = "/var/lib/lockstep"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "lockstep.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// WhatsApp provider names.
const (
	WhatsAppProviderTwilio    = "twilio"
	WhatsAppProviderWhatsmeow = "whatsmeow"
)

// Config holds environment configuration shared by the server and the cron trigger.
type Config struct {
	StateDir    string `env:"LOCKSTEP_STATE_DIR" envDefault:"/var/lib/lockstep"`
	DatabaseURL string `env:"DATABASE_URL"`
	APIAddr     string `env:"LOCKSTEP_API_ADDR" envDefault:":8080"`
	APIURL      string `env:"LOCKSTEP_API_URL" envDefault:"http://localhost:8080"`
	CronSecret  string `env:"LOCKSTEP_CRON_SECRET"`
	CronSpec    string `env:"LOCKSTEP_CRON_SCHEDULE" envDefault:"* * * * *"`

	PublicBaseURL string `env:"LOCKSTEP_PUBLIC_BASE_URL"`
	EnforceLimits bool   `env:"LOCKSTEP_ENFORCE_LIMITS" envDefault:"true"`

	EvaluatorConcurrency int           `env:"LOCKSTEP_EVALUATOR_CONCURRENCY" envDefault:"4"`
	OperationTimeout     time.Duration `env:"LOCKSTEP_OPERATION_TIMEOUT" envDefault:"15s"`
	ClaimTTL             time.Duration `env:"LOCKSTEP_CLAIM_TTL" envDefault:"10m"`

	TwilioAccountSID        string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken         string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber        string `env:"TWILIO_FROM_NUMBER"`
	TwilioWhatsAppFrom      string `env:"TWILIO_WHATSAPP_FROM"`
	TwilioStatusCallbackURL string `env:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioValidateWebhooks  bool   `env:"TWILIO_VALIDATE_WEBHOOKS" envDefault:"true"`
	TwilioWebhookBaseURL    string `env:"TWILIO_WEBHOOK_BASE_URL"`

	WhatsAppProvider string `env:"LOCKSTEP_WHATSAPP_PROVIDER" envDefault:"twilio"`
	WhatsAppDBDSN    string `env:"WHATSAPP_DB_DSN"`
	WhatsAppQRPath   string `env:"WHATSAPP_QR_PATH"`

	OTelEndpoint string `env:"LOCKSTEP_OTEL_ENDPOINT"`
}

// Load reads .env (if present) and parses the environment into a Config,
// filling derived defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	slog.Debug("environment variables loaded",
		"LOCKSTEP_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"LOCKSTEP_API_ADDR", cfg.APIAddr,
		"LOCKSTEP_CRON_SECRET_SET", cfg.CronSecret != "",
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", cfg.TwilioAuthToken != "",
		"LOCKSTEP_WHATSAPP_PROVIDER", cfg.WhatsAppProvider,
		"LOCKSTEP_OTEL_ENDPOINT_SET", cfg.OTelEndpoint != "")
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	c.WhatsAppProvider = strings.ToLower(strings.TrimSpace(c.WhatsAppProvider))
	if c.WhatsAppProvider == "" {
		c.WhatsAppProvider = WhatsAppProviderTwilio
	}
	if c.EvaluatorConcurrency <= 0 {
		c.EvaluatorConcurrency = 1
	}
}

// TwilioConfigured reports whether Twilio credentials are present.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}
