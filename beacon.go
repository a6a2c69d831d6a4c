// Package beacon is a product analytics client with local feature flag
// evaluation.
//
// A Client captures events into a bounded in-memory queue that a background
// goroutine delivers in batches, and answers feature flag questions from a
// periodically refreshed copy of the project's flag definitions, asking the
// server only when a flag cannot be decided locally.
//
//	client, err := beacon.New(beacon.Config{
//		ProjectAPIKey:  "phc_...",
//		PersonalAPIKey: "phx_...",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	enabled, err := client.IsEnabled(ctx, "new-checkout", beacon.EvaluationContext{DistinctID: "user-1"})
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/matt-riley/beacon/internal/cache"
	"github.com/matt-riley/beacon/internal/capture"
	"github.com/matt-riley/beacon/internal/core"
	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/poller"
	"github.com/matt-riley/beacon/internal/service"
	"github.com/matt-riley/beacon/internal/tracing"
	"github.com/matt-riley/beacon/internal/transport"
)

const featureFlagCalledEvent = "$feature_flag_called"

var (
	ErrDisabled = errors.New("beacon: client disabled, no project API key")

	ErrClosed       = capture.ErrClosed
	ErrQueueFull    = capture.ErrQueueFull
	ErrValidation   = capture.ErrValidation
	ErrFlagNotFound = service.ErrFlagNotFound
	ErrNoSnapshot   = service.ErrNoSnapshot
	ErrInconclusive = core.ErrInconclusive
)

// Client is safe for concurrent use. Close it to flush queued events.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store  *cache.Store
	poller *poller.Poller
	actor  *capture.Actor
	flags  *service.Service

	stopPolling context.CancelFunc
	pollingDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New starts a client. With a PersonalAPIKey it fetches flag definitions in
// the background right away; events can be captured immediately.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		logger:  logging.Component(o.logger, "client"),
		metrics: o.metrics,
	}
	if cfg.ProjectAPIKey == "" {
		c.logger.Warn("no project API key, client disabled")
		return c, nil
	}
	if cfg.OnlyEvaluateLocally && cfg.PersonalAPIKey == "" {
		return nil, errors.New("beacon: OnlyEvaluateLocally requires a PersonalAPIKey")
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: tracing.Transport(http.DefaultTransport, o.tracerProvider),
		}
	}
	api := transport.New(transport.Config{
		Host:           cfg.Host,
		ProjectAPIKey:  cfg.ProjectAPIKey,
		PersonalAPIKey: cfg.PersonalAPIKey,
		HTTPClient:     httpClient,
	})

	captureCfg := capture.Config{
		MaxBatchSize:         cfg.MaxBatchSize,
		FlushInterval:        cfg.FlushInterval,
		QueueSize:            cfg.QueueSize,
		MaxConcurrentFlushes: cfg.MaxConcurrentFlushes,
		MaxEventBytes:        cfg.MaxEventBytes,
		Retry:                cfg.retryPolicy(),
		Historical:           cfg.HistoricalMigration,
		DisableGeoIP:         cfg.DisableGeoIP,
	}
	c.actor = capture.New(api, captureCfg,
		capture.WithLogger(o.logger),
		capture.WithMetrics(o.metrics),
		capture.WithTracerProvider(o.tracerProvider),
	)

	serviceOpts := []service.Option{
		service.WithLogger(o.logger),
		service.WithMetrics(o.metrics),
		service.WithTracerProvider(o.tracerProvider),
		service.WithRetryPolicy(cfg.retryPolicy()),
		service.WithDisableGeoIP(cfg.DisableGeoIP),
	}
	if cfg.OnlyEvaluateLocally {
		serviceOpts = append(serviceOpts, service.WithOnlyLocal())
	}
	if cfg.SendFeatureFlagEvents {
		serviceOpts = append(serviceOpts, service.WithCallReporter(c.reportFlagCall))
	}

	var source service.SnapshotSource
	if cfg.PersonalAPIKey != "" {
		c.store = cache.NewStore()
		c.poller = poller.New(api, c.store, cfg.PollInterval,
			poller.WithLogger(o.logger),
			poller.WithMetrics(o.metrics),
			poller.WithTracerProvider(o.tracerProvider),
			poller.WithRequestTimeout(cfg.RequestTimeout),
		)
		source = c.store
	}

	flags, err := service.New(source, api, serviceOpts...)
	if err != nil {
		return nil, err
	}
	c.flags = flags

	c.metrics.SetProbe(c)
	if c.poller != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopPolling = cancel
		c.pollingDone = make(chan struct{})
		go func() {
			defer close(c.pollingDone)
			c.poller.Run(ctx)
		}()
	}
	return c, nil
}

// Disabled reports whether the client was built without a project API key.
// Every operation on a disabled client is a no-op or returns ErrDisabled.
func (c *Client) Disabled() bool {
	return c.actor == nil
}

// Capture queues ev without blocking. It fails with a *ValidationError for
// malformed events, ErrQueueFull when the queue is at capacity, and
// ErrClosed after Close.
func (c *Client) Capture(ev Event) error {
	if c.Disabled() {
		return ErrDisabled
	}
	return c.actor.Enqueue(ev)
}

// Flush sends everything captured so far and waits for delivery to finish.
func (c *Client) Flush(ctx context.Context) error {
	if c.Disabled() {
		return nil
	}
	return c.actor.Flush(ctx)
}

func (c *Client) IsEnabled(ctx context.Context, key string, ectx EvaluationContext) (bool, error) {
	if c.Disabled() {
		return false, ErrDisabled
	}
	return c.flags.IsEnabled(ctx, key, ectx)
}

// GetFeatureFlag returns the flag's value: its variant for multivariate
// flags, otherwise whether it is enabled.
func (c *Client) GetFeatureFlag(ctx context.Context, key string, ectx EvaluationContext) (FlagValue, error) {
	result, err := c.GetFeatureFlagResult(ctx, key, ectx)
	return result.Value, err
}

// GetFeatureFlagResult is GetFeatureFlag with the payload and the source of
// the decision.
func (c *Client) GetFeatureFlagResult(ctx context.Context, key string, ectx EvaluationContext) (FlagResult, error) {
	if c.Disabled() {
		return FlagResult{}, ErrDisabled
	}
	return c.flags.Get(ctx, key, ectx)
}

// GetAllFlags evaluates every known flag. Flags that could not be decided
// are absent from the result.
func (c *Client) GetAllFlags(ctx context.Context, ectx EvaluationContext) (map[string]FlagValue, error) {
	results, err := c.GetAllFlagResults(ctx, ectx)
	if err != nil {
		return nil, err
	}
	values := make(map[string]FlagValue, len(results))
	for key, result := range results {
		values[key] = result.Value
	}
	return values, nil
}

// GetAllFlagResults is GetAllFlags with payloads and decision sources.
func (c *Client) GetAllFlagResults(ctx context.Context, ectx EvaluationContext) (map[string]FlagResult, error) {
	if c.Disabled() {
		return nil, ErrDisabled
	}
	return c.flags.GetAll(ctx, ectx)
}

// GetFeatureFlagPayload returns the JSON payload attached to the flag's
// current value, or nil when there is none.
func (c *Client) GetFeatureFlagPayload(ctx context.Context, key string, ectx EvaluationContext) (json.RawMessage, error) {
	if c.Disabled() {
		return nil, ErrDisabled
	}
	return c.flags.GetPayload(ctx, key, ectx)
}

// ReloadFeatureFlags fetches definitions now instead of waiting for the next
// poll. It is a no-op without a PersonalAPIKey.
func (c *Client) ReloadFeatureFlags(ctx context.Context) error {
	if c.Disabled() {
		return ErrDisabled
	}
	if c.poller == nil {
		return nil
	}
	return c.poller.Poll(ctx)
}

// Health reports the state of local definitions. It is the zero Health when
// local evaluation is off.
func (c *Client) Health() Health {
	if c.poller == nil {
		return Health{}
	}
	return c.poller.Health()
}

// LocalEvaluation reports whether flags are evaluated from local definitions.
func (c *Client) LocalEvaluation() bool {
	return c.poller != nil
}

func (c *Client) QueueDepth() int {
	if c.Disabled() {
		return 0
	}
	return c.actor.QueueDepth()
}

func (c *Client) SnapshotAgeSeconds() (float64, bool) {
	if c.poller == nil {
		return 0, false
	}
	return c.poller.SnapshotAgeSeconds()
}

// Close stops polling, flushes queued events and waits for them to be sent
// or for ctx to end. Later calls return the first call's result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.Disabled() {
			return
		}
		if c.stopPolling != nil {
			c.stopPolling()
			select {
			case <-c.pollingDone:
			case <-ctx.Done():
			}
		}
		c.closeErr = c.actor.Shutdown(ctx)
	})
	return c.closeErr
}

func (c *Client) reportFlagCall(call service.Call) {
	props := map[string]any{
		"$feature_flag":          call.Key,
		"$feature_flag_response": call.Result.Value.Value(),
		"$feature/" + call.Key:   call.Result.Value.Value(),
		"locally_evaluated":      call.Result.Source == service.SourceLocal,
	}
	if len(call.Result.Payload) > 0 {
		props["$feature_flag_payload"] = call.Result.Payload
	}
	if len(call.Groups) > 0 {
		props["$groups"] = call.Groups
	}
	err := c.actor.Enqueue(Event{
		Event:      featureFlagCalledEvent,
		DistinctID: call.DistinctID,
		Properties: props,
	})
	if err != nil {
		c.logger.Debug("could not report flag call", slog.String("flag", call.Key), slog.String("error", err.Error()))
	}
}
