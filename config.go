package beacon

import (
	"time"

	"github.com/matt-riley/beacon/internal/capture"
	"github.com/matt-riley/beacon/internal/config"
	"github.com/matt-riley/beacon/internal/poller"
	"github.com/matt-riley/beacon/internal/retry"
	"github.com/matt-riley/beacon/internal/transport"
)

const DefaultRequestTimeout = 10 * time.Second

// Config configures a Client. Zero values fall back to the defaults listed on
// each field. FlushInterval and RetryBaseDelay also accept a negative value,
// which stands for an explicit zero.
type Config struct {
	// ProjectAPIKey identifies the project. Without it the client is disabled
	// and every operation returns ErrDisabled.
	ProjectAPIKey string
	// PersonalAPIKey enables local flag evaluation. Without it every flag
	// lookup goes to the server.
	PersonalAPIKey string
	// Host defaults to https://us.i.posthog.com.
	Host string

	// PollInterval defaults to 30s.
	PollInterval time.Duration
	// FlushInterval defaults to 5s. A negative interval turns the timer off,
	// so batches go out only when full or on Flush and Close.
	FlushInterval time.Duration
	// MaxBatchSize defaults to 100.
	MaxBatchSize int
	// QueueSize defaults to 1000.
	QueueSize int
	// MaxConcurrentFlushes defaults to 2.
	MaxConcurrentFlushes int
	// MaxEventBytes defaults to 1 MiB.
	MaxEventBytes int

	// RetryAttempts defaults to 6, including the first try.
	RetryAttempts int
	// RetryBaseDelay defaults to 200ms and doubles on every retry. A negative
	// delay retries immediately.
	RetryBaseDelay time.Duration
	// RetryMaxDelay defaults to 30s.
	RetryMaxDelay time.Duration
	// RequestTimeout bounds each HTTP request and defaults to 10s.
	RequestTimeout time.Duration

	DisableGeoIP bool
	// OnlyEvaluateLocally never falls back to the server for flags.
	OnlyEvaluateLocally bool
	// SendFeatureFlagEvents captures a $feature_flag_called event the first
	// time each user sees each flag value.
	SendFeatureFlagEvents bool
	// HistoricalMigration marks batches as imports of past data.
	HistoricalMigration bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = transport.DefaultHost
	}
	if c.PollInterval <= 0 {
		c.PollInterval = poller.DefaultInterval
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = capture.DefaultFlushInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = capture.DefaultMaxBatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = capture.DefaultQueueSize
	}
	if c.MaxConcurrentFlushes <= 0 {
		c.MaxConcurrentFlushes = capture.DefaultMaxConcurrentFlushes
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = capture.DefaultMaxEventBytes
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = retry.DefaultAttempts
	}
	switch {
	case c.RetryBaseDelay == 0:
		c.RetryBaseDelay = retry.DefaultBaseDelay
	case c.RetryBaseDelay < 0:
		c.RetryBaseDelay = 0
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = retry.DefaultMaxDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  c.RetryAttempts,
		BaseDelay: c.RetryBaseDelay,
		MaxDelay:  c.RetryMaxDelay,
		Jitter:    retry.DefaultJitter,
		Retryable: transport.IsRetryable,
	}
}

// ConfigFromEnv builds a Config from BEACON_* environment variables.
func ConfigFromEnv() (Config, error) {
	env, err := config.Load()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ProjectAPIKey:         env.ProjectAPIKey,
		PersonalAPIKey:        env.PersonalAPIKey,
		Host:                  env.Host,
		PollInterval:          env.PollInterval,
		FlushInterval:         env.FlushInterval,
		MaxBatchSize:          env.MaxBatchSize,
		QueueSize:             env.QueueSize,
		MaxConcurrentFlushes:  env.MaxConcurrentFlushes,
		MaxEventBytes:         env.MaxEventBytes,
		RetryAttempts:         env.RetryAttempts,
		RetryBaseDelay:        env.RetryBaseDelay,
		RetryMaxDelay:         env.RetryMaxDelay,
		RequestTimeout:        env.RequestTimeout,
		DisableGeoIP:          env.DisableGeoIP,
		OnlyEvaluateLocally:   env.OnlyEvaluateLocally,
		SendFeatureFlagEvents: env.SendFeatureFlagEvents,
		HistoricalMigration:   env.HistoricalMigration,
	}, nil
}
