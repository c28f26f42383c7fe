// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the orchestration service and the
// license scanner. Values come from environment variables; the binaries layer
// flag overrides on top.
type Config struct {
	// HTTPAddr is the listen address for the HTTP API.
	HTTPAddr string

	// DBPath is the SQLite database path.
	DBPath string

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// RedisAddr is the Redis host:port used for queues, rate limits, and
	// cancellation flags.
	RedisAddr string

	// RedisPassword is the Redis AUTH password. Never logged.
	RedisPassword string

	// RedisDB is the Redis logical database number.
	RedisDB int

	// StreamMaxLen caps each queue stream's length in Redis.
	StreamMaxLen int

	// RateLimitPerMinute is the per-principal submission budget.
	RateLimitPerMinute int

	// RateLimitAIPerMinute is the stricter budget for AI generation jobs.
	RateLimitAIPerMinute int

	// RateLimitGlobalPerMinute is the service-wide submission budget.
	RateLimitGlobalPerMinute int

	// RecoveryInterval is how often the publish-recovery sweep runs.
	RecoveryInterval time.Duration

	// RecoveryThreshold is how long a job may sit in PENDING before the
	// sweep considers its publish lost.
	RecoveryThreshold time.Duration

	// NotifyPollInterval is how often the dispatcher polls for due
	// notification deliveries.
	NotifyPollInterval time.Duration

	// NotifyBatchSize is the maximum deliveries claimed per poll.
	NotifyBatchSize int

	// WebhookPollInterval is how often the webhook retry worker polls for
	// due events.
	WebhookPollInterval time.Duration

	// WebhookBatchSize is the maximum webhook events claimed per poll.
	WebhookBatchSize int

	// CancelSignalTTL bounds how long a cancellation flag lives in Redis.
	// It only needs to outlast the longest job run.
	CancelSignalTTL time.Duration

	// SecretKey encrypts provider credentials at rest. Never logged.
	SecretKey string

	// NotifyEmailEndpoint and NotifySMSEndpoint are the primary
	// notification gateways per channel. Empty means deliveries on that
	// channel are logged instead of sent.
	NotifyEmailEndpoint string
	NotifySMSEndpoint   string

	// NotifyEmailFallbackEndpoint and NotifySMSFallbackEndpoint take over
	// while the primary's breaker is open. Empty disables failover for
	// the channel.
	NotifyEmailFallbackEndpoint string
	NotifySMSFallbackEndpoint   string

	// Seed API keys for the notification gateways, used to populate the
	// settings table when it holds no key for the provider yet. Never
	// logged.
	NotifyEmailAPIKey         string
	NotifyEmailFallbackAPIKey string
	NotifySMSAPIKey           string
	NotifySMSFallbackAPIKey   string

	// CraftgateWebhookSecret seeds the payment gateway's webhook signing
	// secret the same way. Never logged.
	CraftgateWebhookSecret string

	// ScanInterval is the pause between scanner passes when the scanner
	// binary runs as a daemon rather than one-shot.
	ScanInterval time.Duration

	// DefaultLanguage is the template language used when a user's own
	// language has no template.
	DefaultLanguage string

	// CompanyName, SupportEmail, and RenewalLink fill the corresponding
	// template variables in license reminders.
	CompanyName  string
	SupportEmail string
	RenewalLink  string

	// TaxRates is the set of ERP tax rates accepted at validation time.
	TaxRates []string
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		HTTPAddr:                 ":8080",
		DBPath:                   "./camforge.db",
		LogLevel:                 "info",
		RedisAddr:                "127.0.0.1:6379",
		RedisPassword:            "",
		RedisDB:                  0,
		StreamMaxLen:             10000,
		RateLimitPerMinute:       60,
		RateLimitAIPerMinute:     30,
		RateLimitGlobalPerMinute: 500,
		RecoveryInterval:         60 * time.Second,
		RecoveryThreshold:        30 * time.Second,
		NotifyPollInterval:       5 * time.Second,
		NotifyBatchSize:          10,
		WebhookPollInterval:      30 * time.Second,
		WebhookBatchSize:         10,
		CancelSignalTTL:          time.Hour,
		SecretKey:                "",
		ScanInterval:             24 * time.Hour,
		DefaultLanguage:          "en-US",
		CompanyName:              "Camforge",
		SupportEmail:             "support@camforge.io",
		RenewalLink:              "https://camforge.io/account/licenses",
		TaxRates:                 []string{"0", "1", "8", "10", "18", "20"},
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("CAMFORGE_HTTP_ADDR"); val != "" {
		cfg.HTTPAddr = val
	}

	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.RedisAddr = val
	}

	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.RedisPassword = val
	}

	if val := os.Getenv("REDIS_DB"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid REDIS_DB value: %w", err)
		}
		cfg.RedisDB = num
	}

	if val := os.Getenv("QUEUE_STREAM_MAX_LEN"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid QUEUE_STREAM_MAX_LEN: %w", err)
		}
		if num < 100 {
			return cfg, fmt.Errorf("QUEUE_STREAM_MAX_LEN must be at least 100")
		}
		cfg.StreamMaxLen = num
	}

	if val := os.Getenv("RATE_LIMIT_PER_MINUTE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1")
		}
		cfg.RateLimitPerMinute = num
	}

	if val := os.Getenv("RATE_LIMIT_AI_PER_MINUTE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_AI_PER_MINUTE: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_AI_PER_MINUTE must be at least 1")
		}
		cfg.RateLimitAIPerMinute = num
	}

	if val := os.Getenv("RATE_LIMIT_GLOBAL_PER_MINUTE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_GLOBAL_PER_MINUTE: %w", err)
		}
		if num < 1 {
			return cfg, fmt.Errorf("RATE_LIMIT_GLOBAL_PER_MINUTE must be at least 1")
		}
		cfg.RateLimitGlobalPerMinute = num
	}

	if val := os.Getenv("RECOVERY_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RECOVERY_INTERVAL: %w", err)
		}
		if duration < 5*time.Second {
			return cfg, fmt.Errorf("RECOVERY_INTERVAL must be at least 5 seconds")
		}
		cfg.RecoveryInterval = duration
	}

	if val := os.Getenv("RECOVERY_PENDING_THRESHOLD"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid RECOVERY_PENDING_THRESHOLD: %w", err)
		}
		if duration < 5*time.Second {
			return cfg, fmt.Errorf("RECOVERY_PENDING_THRESHOLD must be at least 5 seconds")
		}
		cfg.RecoveryThreshold = duration
	}

	if val := os.Getenv("NOTIFY_POLL_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid NOTIFY_POLL_INTERVAL: %w", err)
		}
		if duration < time.Second {
			return cfg, fmt.Errorf("NOTIFY_POLL_INTERVAL must be at least 1 second")
		}
		cfg.NotifyPollInterval = duration
	}

	if val := os.Getenv("NOTIFY_BATCH_SIZE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid NOTIFY_BATCH_SIZE: %w", err)
		}
		if num < 1 || num > 1000 {
			return cfg, fmt.Errorf("NOTIFY_BATCH_SIZE must be between 1 and 1000")
		}
		cfg.NotifyBatchSize = num
	}

	if val := os.Getenv("WEBHOOK_POLL_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_POLL_INTERVAL: %w", err)
		}
		if duration < time.Second {
			return cfg, fmt.Errorf("WEBHOOK_POLL_INTERVAL must be at least 1 second")
		}
		cfg.WebhookPollInterval = duration
	}

	if val := os.Getenv("WEBHOOK_BATCH_SIZE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_BATCH_SIZE: %w", err)
		}
		if num < 1 || num > 1000 {
			return cfg, fmt.Errorf("WEBHOOK_BATCH_SIZE must be between 1 and 1000")
		}
		cfg.WebhookBatchSize = num
	}

	if val := os.Getenv("CANCEL_SIGNAL_TTL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid CANCEL_SIGNAL_TTL: %w", err)
		}
		if duration < time.Minute {
			return cfg, fmt.Errorf("CANCEL_SIGNAL_TTL must be at least 1 minute")
		}
		cfg.CancelSignalTTL = duration
	}

	if val := os.Getenv("CAMFORGE_SECRET_KEY"); val != "" {
		cfg.SecretKey = val
	}

	if val := os.Getenv("NOTIFY_EMAIL_ENDPOINT"); val != "" {
		cfg.NotifyEmailEndpoint = val
	}

	if val := os.Getenv("NOTIFY_SMS_ENDPOINT"); val != "" {
		cfg.NotifySMSEndpoint = val
	}

	if val := os.Getenv("NOTIFY_EMAIL_FALLBACK_ENDPOINT"); val != "" {
		cfg.NotifyEmailFallbackEndpoint = val
	}

	if val := os.Getenv("NOTIFY_SMS_FALLBACK_ENDPOINT"); val != "" {
		cfg.NotifySMSFallbackEndpoint = val
	}

	if val := os.Getenv("NOTIFY_EMAIL_API_KEY"); val != "" {
		cfg.NotifyEmailAPIKey = val
	}

	if val := os.Getenv("NOTIFY_EMAIL_FALLBACK_API_KEY"); val != "" {
		cfg.NotifyEmailFallbackAPIKey = val
	}

	if val := os.Getenv("NOTIFY_SMS_API_KEY"); val != "" {
		cfg.NotifySMSAPIKey = val
	}

	if val := os.Getenv("NOTIFY_SMS_FALLBACK_API_KEY"); val != "" {
		cfg.NotifySMSFallbackAPIKey = val
	}

	if val := os.Getenv("CRAFTGATE_WEBHOOK_SECRET"); val != "" {
		cfg.CraftgateWebhookSecret = val
	}

	if val := os.Getenv("SCAN_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCAN_INTERVAL: %w", err)
		}
		if duration < 1*time.Minute {
			return cfg, fmt.Errorf("SCAN_INTERVAL must be at least 1 minute")
		}
		cfg.ScanInterval = duration
	}

	if val := os.Getenv("DEFAULT_LANGUAGE"); val != "" {
		cfg.DefaultLanguage = val
	}

	if val := os.Getenv("COMPANY_NAME"); val != "" {
		cfg.CompanyName = val
	}

	if val := os.Getenv("SUPPORT_EMAIL"); val != "" {
		cfg.SupportEmail = val
	}

	if val := os.Getenv("RENEWAL_LINK"); val != "" {
		cfg.RenewalLink = val
	}

	if val := os.Getenv("TAX_RATES"); val != "" {
		rates := splitCSV(val)
		if len(rates) == 0 {
			return cfg, fmt.Errorf("TAX_RATES must list at least one rate")
		}
		cfg.TaxRates = rates
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("CAMFORGE_HTTP_ADDR cannot be empty")
	}

	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.RateLimitAIPerMinute > c.RateLimitPerMinute {
		return fmt.Errorf("RATE_LIMIT_AI_PER_MINUTE cannot exceed RATE_LIMIT_PER_MINUTE")
	}

	if c.RateLimitPerMinute > c.RateLimitGlobalPerMinute {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE cannot exceed RATE_LIMIT_GLOBAL_PER_MINUTE")
	}

	if len(c.TaxRates) == 0 {
		return fmt.Errorf("TAX_RATES must list at least one rate")
	}

	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
