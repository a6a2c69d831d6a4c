// Package config loads client and relay configuration from BEACON_*
// environment variables, after loading a .env file when one is present.
//
// Client variables:
//   - BEACON_PROJECT_API_KEY: project key used for capture and remote flags.
//   - BEACON_PERSONAL_API_KEY: personal key that enables local evaluation.
//   - BEACON_HOST: ingestion host (default "https://us.i.posthog.com").
//   - BEACON_POLL_INTERVAL: definition poll interval (default "30s").
//   - BEACON_FLUSH_INTERVAL: capture flush interval (default "5s").
//   - BEACON_MAX_BATCH_SIZE, BEACON_QUEUE_SIZE, BEACON_MAX_CONCURRENT_FLUSHES,
//     BEACON_MAX_EVENT_BYTES: capture limits.
//   - BEACON_RETRY_ATTEMPTS, BEACON_RETRY_BASE_DELAY, BEACON_RETRY_MAX_DELAY:
//     retry policy for sends and remote evaluation.
//   - BEACON_REQUEST_TIMEOUT: per-request HTTP timeout (default "10s").
//   - BEACON_DISABLE_GEOIP, BEACON_ONLY_EVALUATE_LOCALLY,
//     BEACON_SEND_FEATURE_FLAG_EVENTS: feature switches.
//   - BEACON_HISTORICAL_MIGRATION: mark capture batches as historical imports.
//
// Relay variables:
//   - BEACON_HTTP_ADDR: listen address (default ":8080").
//   - BEACON_LOG_LEVEL, BEACON_LOG_FORMAT: logging (default "info", "json").
//   - BEACON_MAX_JSON_BODY_SIZE: request body limit in bytes (default 1 MiB).
//   - BEACON_RELAY_TOKEN_HASHES: comma-separated name:bcrypt-hash entries. When
//     set, /v1/ requires a matching bearer token.
//   - BEACON_RATE_LIMIT_PER_SECOND, BEACON_RATE_LIMIT_BURST: per-client request
//     rate (default 50/s, burst 100).
//   - BEACON_AUTH_FAILURES_PER_MINUTE: failed auth attempts tolerated per IP
//     before 429 (default 10).
//
// Every duration and size must be > 0 when set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "BEACON_"

var dotenvLoaded sync.Once

type Config struct {
	ProjectAPIKey  string `env:"PROJECT_API_KEY"`
	PersonalAPIKey string `env:"PERSONAL_API_KEY"`
	Host           string `env:"HOST" envDefault:"https://us.i.posthog.com"`

	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	FlushInterval        time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
	MaxBatchSize         int           `env:"MAX_BATCH_SIZE" envDefault:"100"`
	QueueSize            int           `env:"QUEUE_SIZE" envDefault:"1000"`
	MaxConcurrentFlushes int           `env:"MAX_CONCURRENT_FLUSHES" envDefault:"2"`
	MaxEventBytes        int           `env:"MAX_EVENT_BYTES" envDefault:"1048576"`

	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"6"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"200ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	DisableGeoIP          bool `env:"DISABLE_GEOIP"`
	OnlyEvaluateLocally   bool `env:"ONLY_EVALUATE_LOCALLY"`
	SendFeatureFlagEvents bool `env:"SEND_FEATURE_FLAG_EVENTS"`
	HistoricalMigration   bool `env:"HISTORICAL_MIGRATION"`

	HTTPAddr        string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`
	MaxJSONBodySize int64  `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`

	RelayTokenHashes      []string `env:"RELAY_TOKEN_HASHES" envSeparator:","`
	RateLimitPerSecond    float64  `env:"RATE_LIMIT_PER_SECOND" envDefault:"50"`
	RateLimitBurst        int      `env:"RATE_LIMIT_BURST" envDefault:"100"`
	AuthFailuresPerMinute int      `env:"AUTH_FAILURES_PER_MINUTE" envDefault:"10"`
}

// Load reads the environment into a Config and validates it.
func Load() (Config, error) {
	dotenvLoaded.Do(func() {
		// A missing .env file is fine.
		_ = godotenv.Load()
	})

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: envPrefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.ProjectAPIKey = strings.TrimSpace(cfg.ProjectAPIKey)
	cfg.PersonalAPIKey = strings.TrimSpace(cfg.PersonalAPIKey)
	cfg.Host = strings.TrimRight(strings.TrimSpace(cfg.Host), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot express through struct tags.
func (c Config) Validate() error {
	u, err := url.Parse(c.Host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%sHOST must be an absolute URL, got %q", envPrefix, c.Host)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"FLUSH_INTERVAL", c.FlushInterval},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"REQUEST_TIMEOUT", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s%s must be > 0", envPrefix, d.name)
		}
	}

	sizes := []struct {
		name  string
		value int64
	}{
		{"MAX_BATCH_SIZE", int64(c.MaxBatchSize)},
		{"QUEUE_SIZE", int64(c.QueueSize)},
		{"MAX_CONCURRENT_FLUSHES", int64(c.MaxConcurrentFlushes)},
		{"MAX_EVENT_BYTES", int64(c.MaxEventBytes)},
		{"RETRY_ATTEMPTS", int64(c.RetryAttempts)},
		{"MAX_JSON_BODY_SIZE", c.MaxJSONBodySize},
		{"RATE_LIMIT_BURST", int64(c.RateLimitBurst)},
		{"AUTH_FAILURES_PER_MINUTE", int64(c.AuthFailuresPerMinute)},
	}
	for _, s := range sizes {
		if s.value < 1 {
			return fmt.Errorf("%s%s must be a positive integer", envPrefix, s.name)
		}
	}

	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("%sRATE_LIMIT_PER_SECOND must be > 0", envPrefix)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New(envPrefix + "RETRY_MAX_DELAY must not be less than " + envPrefix + "RETRY_BASE_DELAY")
	}
	if c.OnlyEvaluateLocally && c.PersonalAPIKey == "" {
		return errors.New(envPrefix + "PERSONAL_API_KEY is required when " + envPrefix + "ONLY_EVALUATE_LOCALLY is set")
	}
	return nil
}
