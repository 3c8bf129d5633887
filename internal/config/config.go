package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	BaseURL      string        `envconfig:"BASE_URL" default:"http://localhost:8080"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis (admin rate limiting; optional)
	RedisURL string `envconfig:"REDIS_URL"`

	// NATS (lifecycle event notifications; optional)
	NATSURL string `envconfig:"NATS_URL"`

	// Dispatch
	DefaultCountryCode string        `envconfig:"DEFAULT_COUNTRY_CODE" default:"FR"`
	SMSRateLimit       int           `envconfig:"SMS_RATE_LIMIT" default:"100"`
	CarrierSenderID    string        `envconfig:"CARRIER_SENDER_ID" default:"SMS-PLATFORM"`
	DispatchInterval   time.Duration `envconfig:"DISPATCH_INTERVAL" default:"10s"`
	DispatchWorkers    int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	CarrierTimeout     time.Duration `envconfig:"CARRIER_TIMEOUT" default:"30s"`

	// Retry policy
	RetryBackoffUnit time.Duration `envconfig:"RETRY_BACKOFF_UNIT" default:"1m"`

	// Housekeeping
	MessageRetentionDays int           `envconfig:"MESSAGE_RETENTION_DAYS" default:"30"`
	LeaseTimeoutSeconds  int           `envconfig:"LEASE_TIMEOUT_SECONDS" default:"300"`
	PollInterval         time.Duration `envconfig:"POLL_INTERVAL" default:"5m"`
	ReapInterval         time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`
	CleanupInterval      time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`

	// Webhooks
	WebhookSigningSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`

	// Admin API
	AdminAPIKeyHash string `envconfig:"ADMIN_API_KEY_HASH"`

	// Admin rate limiting
	RateLimitRPS   int `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int `envconfig:"RATE_LIMIT_BURST" default:"20"`

	// Mock carrier (dev only)
	MockSuccessRate  float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	MockTempFailRate float64 `envconfig:"MOCK_TEMP_FAIL_RATE" default:"0.03"`
	MockPermFailRate float64 `envconfig:"MOCK_PERM_FAIL_RATE" default:"0.02"`
	MockLatencyMs    int     `envconfig:"MOCK_LATENCY_MS" default:"100"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BatchSize clamps SMS_RATE_LIMIT into a usable dispatcher batch size,
// falling back to 100 when unset or malformed.
func (c *Config) BatchSize() int {
	if c.SMSRateLimit < 1 {
		return 100
	}
	return c.SMSRateLimit
}

// LeaseTimeout returns the stuck-lease threshold as a duration.
func (c *Config) LeaseTimeout() time.Duration {
	secs := c.LeaseTimeoutSeconds
	if secs < 1 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}
