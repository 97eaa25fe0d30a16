// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrSMTPHostRequired is returned when SMTP_HOST is not set.
	ErrSMTPHostRequired = errors.New("config: SMTP_HOST is required")
	// ErrSMTPUsernameRequired is returned when SMTP_USERNAME is not set.
	ErrSMTPUsernameRequired = errors.New("config: SMTP_USERNAME is required")
	// ErrSMTPPasswordRequired is returned when SMTP_PASSWORD is not set.
	ErrSMTPPasswordRequired = errors.New("config: SMTP_PASSWORD is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// SMTP sender settings
	SMTPHost     string `env:"SMTP_HOST, required" json:"smtp_host"`
	SMTPPort     int    `env:"SMTP_PORT, default=587" json:"smtp_port"`
	SMTPUsername string `env:"SMTP_USERNAME, required" json:"-"` // Masked in JSON
	SMTPPassword string `env:"SMTP_PASSWORD, required" json:"-"` // Masked in JSON
	SMTPFrom     string `env:"SMTP_FROM" json:"smtp_from,omitempty"`

	// Storage settings
	TempDir    string `env:"TEMP_DIR, default=/tmp/clipmail" json:"temp_dir"`
	LedgerPath string `env:"LEDGER_PATH, default=clipmail.db" json:"ledger_path"`

	// Segmentation and batching settings
	SegmentTargetBytes int64 `env:"SEGMENT_TARGET_BYTES, default=9961472" json:"segment_target_bytes"`
	MessageCapBytes    int64 `env:"MESSAGE_CAP_BYTES, default=20971520" json:"message_cap_bytes"`
	SegmentIndexBase   int   `env:"SEGMENT_INDEX_BASE, default=1" json:"segment_index_base"`

	// Admin settings
	AdminPassword string `env:"ADMIN_PASSWORD" json:"-"` // Masked in JSON

	// Optional S3 settings for post-delivery archiving
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 archive configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Sender returns the From address for outbound mail.
// Falls back to the SMTP username when SMTP_FROM is unset.
func (c *Config) Sender() string {
	if c.SMTPFrom != "" {
		return c.SMTPFrom
	}
	return c.SMTPUsername
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "SMTP_HOST") {
			return nil, ErrSMTPHostRequired
		}
		if strings.Contains(err.Error(), "SMTP_USERNAME") {
			return nil, ErrSMTPUsernameRequired
		}
		if strings.Contains(err.Error(), "SMTP_PASSWORD") {
			return nil, ErrSMTPPasswordRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.SMTPHost == "" {
		return ErrSMTPHostRequired
	}
	if c.SMTPUsername == "" {
		return ErrSMTPUsernameRequired
	}
	if c.SMTPPassword == "" {
		return ErrSMTPPasswordRequired
	}
	if c.SegmentTargetBytes <= 0 {
		return fmt.Errorf("config: SEGMENT_TARGET_BYTES must be positive, got %d", c.SegmentTargetBytes)
	}
	if c.MessageCapBytes <= 0 {
		return fmt.Errorf("config: MESSAGE_CAP_BYTES must be positive, got %d", c.MessageCapBytes)
	}
	if c.SegmentIndexBase != 0 && c.SegmentIndexBase != 1 {
		return fmt.Errorf("config: SEGMENT_INDEX_BASE must be 0 or 1, got %d", c.SegmentIndexBase)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, SMTPHost: %s, SMTPPort: %d, TempDir: %s, LedgerPath: %s, SegmentTargetBytes: %d, MessageCapBytes: %d, SegmentIndexBase: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.SMTPHost,
		c.SMTPPort,
		c.TempDir,
		c.LedgerPath,
		c.SegmentTargetBytes,
		c.MessageCapBytes,
		c.SegmentIndexBase,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
