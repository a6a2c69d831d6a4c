// Package poller keeps the definition cache fresh by fetching flag and
// cohort definitions on a fixed interval.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/beacon/internal/cache"
	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/tracing"
	"github.com/matt-riley/beacon/internal/transport"
)

const (
	DefaultInterval       = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

type Fetcher interface {
	FetchDefinitions(ctx context.Context, etag string) (*transport.Definitions, error)
}

// Health describes the poller's recent history.
type Health struct {
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Version             uint64    `json:"version"`
	Stale               bool      `json:"stale"`
}

type Poller struct {
	fetcher  Fetcher
	store    *cache.Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	health atomic.Pointer[Health]
	etag   atomic.Pointer[string]
}

type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logging.Component(logger, "poller") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Poller) { p.tracer = tracing.Tracer(tp) }
}

// WithRequestTimeout bounds each fetch.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New returns a poller publishing into store. A non-positive interval means
// DefaultInterval.
func New(fetcher Fetcher, store *cache.Store, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		fetcher:  fetcher,
		store:    store,
		interval: interval,
		timeout:  defaultRequestTimeout,
		logger:   logging.Component(nil, "poller"),
		tracer:   tracing.Tracer(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.health.Store(&Health{})
	return p
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls once immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	_ = p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Poll(ctx)
		}
	}
}

// Poll runs one fetch cycle. On failure the previous snapshot stays live.
func (p *Poller) Poll(ctx context.Context) (err error) {
	ctx, span := p.tracer.Start(ctx, "beacon.poll")
	defer func() { tracing.End(span, err) }()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()
	defs, err := p.fetcher.FetchDefinitions(fetchCtx, p.currentETag())
	if err != nil {
		p.recordFailure(started, err)
		return err
	}

	if defs.NotModified {
		p.metrics.RecordPoll("not_modified")
		p.recordSuccess(started)
		span.SetAttributes(attribute.Bool("beacon.not_modified", true))
		return nil
	}

	for _, skipped := range defs.Skipped {
		p.logger.Warn("skipping invalid definition", slog.String("error", skipped.Error()))
	}

	published := p.store.Publish(defs.Snapshot)
	p.etag.Store(&defs.ETag)
	p.metrics.RecordPoll("updated")
	p.metrics.SetSnapshot(published.Version, len(published.FlagOrder))
	p.recordSuccess(started)
	span.SetAttributes(
		attribute.Int64("beacon.snapshot_version", int64(published.Version)),
		attribute.Int("beacon.flags", len(published.FlagOrder)),
	)
	p.logger.Debug("definitions updated",
		slog.Uint64("version", published.Version),
		slog.Int("flags", len(published.FlagOrder)),
		slog.Int("cohorts", len(published.Cohorts)),
	)
	return nil
}

// Health returns a copy of the current health, with staleness computed
// against now.
func (p *Poller) Health() Health {
	h := *p.health.Load()
	h.Version = p.store.Version()
	h.Stale = h.LastSuccess.IsZero() || time.Since(h.LastSuccess) > 2*p.interval
	return h
}

// SnapshotAgeSeconds reports how long ago definitions were last confirmed.
func (p *Poller) SnapshotAgeSeconds() (float64, bool) {
	h := p.health.Load()
	if h.LastSuccess.IsZero() {
		return 0, false
	}
	return time.Since(h.LastSuccess).Seconds(), true
}

func (p *Poller) currentETag() string {
	if p.store.Load() == nil {
		return ""
	}
	if etag := p.etag.Load(); etag != nil {
		return *etag
	}
	return ""
}

func (p *Poller) recordSuccess(at time.Time) {
	p.health.Store(&Health{LastAttempt: at, LastSuccess: at})
}

func (p *Poller) recordFailure(at time.Time, err error) {
	prev := p.health.Load()
	next := &Health{
		LastAttempt:         at,
		LastSuccess:         prev.LastSuccess,
		LastError:           err.Error(),
		ConsecutiveFailures: prev.ConsecutiveFailures + 1,
	}
	p.health.Store(next)
	p.metrics.RecordPoll("error")
	p.logger.Warn("definition poll failed, keeping previous snapshot",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", next.ConsecutiveFailures),
		slog.Uint64("version", p.store.Version()),
	)
}
