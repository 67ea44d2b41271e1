// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config is the full service configuration. Every field has an
// environment variable; flags in cmd/server override a few of them.
type Config struct {
	Port int `env:"LOAN_PORT,default=8080"`

	DBDriver string `env:"LOAN_DB_DRIVER,default=sqlite"`
	DBDSN    string `env:"LOAN_DB_DSN,default=loans.db"`

	LogLevel  string `env:"LOAN_LOG_LEVEL,default=info"`
	LogFormat string `env:"LOAN_LOG_FORMAT,default=json"`

	// CORSOrigins is a comma-separated allow list; empty disables CORS.
	CORSOrigins string `env:"LOAN_CORS_ORIGINS"`

	// SettleResidual folds the final rounding residual into the last
	// period of the amortization breakdown.
	SettleResidual bool `env:"LOAN_SETTLE_RESIDUAL,default=false"`

	PaymentRateLimit float64 `env:"LOAN_PAYMENT_RATE_LIMIT,default=5"`
	PaymentBurst     int     `env:"LOAN_PAYMENT_BURST,default=10"`

	ReminderCron     string `env:"LOAN_REMINDER_CRON,default=0 8 * * *"`
	ReminderLeadDays int    `env:"LOAN_REMINDER_LEAD_DAYS,default=3"`

	SMTP SMTPConfig

	RatesURL     string        `env:"LOAN_RATES_URL"`
	RatesMargin  float64       `env:"LOAN_RATES_MARGIN,default=5.0"`
	RatesTimeout time.Duration `env:"LOAN_RATES_TIMEOUT,default=10s"`

	ShutdownTimeout time.Duration `env:"LOAN_SHUTDOWN_TIMEOUT,default=30s"`

	DemoScenarios bool `env:"LOAN_DEMO_SCENARIOS,default=false"`
}

type SMTPConfig struct {
	Host     string `env:"LOAN_SMTP_HOST"`
	Port     int    `env:"LOAN_SMTP_PORT,default=587"`
	Username string `env:"LOAN_SMTP_USERNAME"`
	Password string `env:"LOAN_SMTP_PASSWORD"`
	Sender   string `env:"LOAN_SMTP_SENDER"`
}

// Enabled reports whether reminders can be e-mailed.
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

func (s SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads the optional env files (".env" when none given) and then the
// environment. Variables already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "sqlite3", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported LOAN_DB_DRIVER %q", c.DBDriver)
	}
	if c.DBDriver != "memory" && c.DBDSN == "" {
		return errors.New("LOAN_DB_DSN is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid LOAN_PORT %d", c.Port)
	}
	if c.PaymentRateLimit <= 0 {
		return fmt.Errorf("LOAN_PAYMENT_RATE_LIMIT must be positive, got %v", c.PaymentRateLimit)
	}
	if c.PaymentBurst <= 0 {
		return fmt.Errorf("LOAN_PAYMENT_BURST must be positive, got %d", c.PaymentBurst)
	}
	if c.ReminderLeadDays < 0 {
		return fmt.Errorf("LOAN_REMINDER_LEAD_DAYS must not be negative, got %d", c.ReminderLeadDays)
	}
	if _, err := cron.ParseStandard(c.ReminderCron); err != nil {
		return fmt.Errorf("invalid LOAN_REMINDER_CRON %q: %w", c.ReminderCron, err)
	}
	if c.RatesMargin < 0 {
		return fmt.Errorf("LOAN_RATES_MARGIN must not be negative, got %v", c.RatesMargin)
	}
	return nil
}

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	switch strings.ToLower(format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}
