// Package capture queues analytics events and delivers them in batches from a
// single background goroutine.
//
// The actor is either running or draining. While running it waits on three
// sources at once: the inbox, the flush ticker and the shutdown signal. A
// full batch or a tick hands the buffer to an asynchronous send and starts a
// fresh one, so capturing never waits on the network. Shutdown switches to
// draining: everything already queued is flushed one final time and the
// goroutine exits.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/retry"
	"github.com/matt-riley/beacon/internal/tracing"
	"github.com/matt-riley/beacon/internal/transport"
)

const (
	DefaultMaxBatchSize         = 100
	DefaultFlushInterval        = 5 * time.Second
	DefaultQueueSize            = 1000
	DefaultMaxConcurrentFlushes = 2
	DefaultMaxEventBytes        = 1 << 20
)

type Sender interface {
	SendBatch(ctx context.Context, events []transport.Event, historical bool) error
}

type Config struct {
	// MaxBatchSize triggers a flush as soon as the buffer holds this many
	// events. Values below 1 are treated as 1.
	MaxBatchSize int
	// FlushInterval flushes a non-empty buffer periodically. Zero or less
	// disables the timer; batches then go out only when full, on Flush, or
	// on Shutdown.
	FlushInterval time.Duration
	// QueueSize bounds the inbox. Zero or less means DefaultQueueSize.
	QueueSize int
	// MaxConcurrentFlushes bounds sends in flight. Zero or less means
	// DefaultMaxConcurrentFlushes.
	MaxConcurrentFlushes int
	// MaxEventBytes rejects events whose encoded properties exceed it. Zero or
	// less means DefaultMaxEventBytes.
	MaxEventBytes int
	Retry         retry.Policy
	Historical    bool
	DisableGeoIP  bool
}

type Actor struct {
	cfg     Config
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	inbox    chan transport.Event
	flushReq chan chan []<-chan struct{}
	shutdown chan struct{}
	done     chan struct{}

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once

	sendCtx    context.Context
	cancelSend context.CancelFunc
	inflight   sync.WaitGroup
	slots      chan struct{}
}

type Option func(*Actor)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Actor) { a.logger = logging.Component(logger, "capture") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Actor) { a.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Actor) { a.tracer = tracing.Tracer(tp) }
}

func withClock(now func() time.Time) Option {
	return func(a *Actor) { a.now = now }
}

// New starts the actor's goroutine. Call Shutdown to stop it.
func New(sender Sender, cfg Config, opts ...Option) *Actor {
	cfg.MaxBatchSize = max(cfg.MaxBatchSize, 1)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxConcurrentFlushes <= 0 {
		cfg.MaxConcurrentFlushes = DefaultMaxConcurrentFlushes
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = DefaultMaxEventBytes
	}

	sendCtx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		cfg:        cfg,
		sender:     sender,
		logger:     logging.Component(nil, "capture"),
		tracer:     tracing.Tracer(nil),
		now:        time.Now,
		inbox:      make(chan transport.Event, cfg.QueueSize),
		flushReq:   make(chan chan []<-chan struct{}),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		sendCtx:    sendCtx,
		cancelSend: cancel,
		slots:      make(chan struct{}, cfg.MaxConcurrentFlushes),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a
}

// Enqueue validates ev, fills in its uuid and timestamp when missing, and
// queues it without blocking.
func (a *Actor) Enqueue(ev transport.Event) error {
	prepared, err := a.prepare(ev)
	if err != nil {
		a.metrics.IncDropped("invalid", 1)
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.inbox <- prepared:
		a.metrics.IncEnqueued()
		return nil
	default:
		a.metrics.IncDropped("queue_full", 1)
		a.logger.Warn("capture queue full, dropping event", slog.String("event", ev.Event))
		return ErrQueueFull
	}
}

// Flush sends everything queued so far and waits for those sends to finish
// or for ctx to end.
func (a *Actor) Flush(ctx context.Context) error {
	reply := make(chan []<-chan struct{}, 1)
	select {
	case a.flushReq <- reply:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var pending []<-chan struct{}
	select {
	case pending = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, sent := range pending {
		select {
		case <-sent:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops accepting events, flushes what is queued and waits for
// in-flight sends. If ctx ends first, outstanding sends are cancelled and
// ctx's error is returned. Calling it again is safe.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.shutdown)
	})

	select {
	case <-a.done:
	case <-ctx.Done():
		a.cancelSend()
		return ctx.Err()
	}

	sent := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(sent)
	}()
	select {
	case <-sent:
		a.cancelSend()
		return nil
	case <-ctx.Done():
		a.cancelSend()
		return ctx.Err()
	}
}

// QueueDepth is the number of events waiting in the inbox.
func (a *Actor) QueueDepth() int {
	return len(a.inbox)
}

func (a *Actor) run() {
	defer close(a.done)

	var tick <-chan time.Time
	if a.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(a.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	buffer := a.newBuffer()
	for {
		select {
		case ev := <-a.inbox:
			buffer = append(buffer, ev)
			if len(buffer) >= a.cfg.MaxBatchSize {
				a.flush(buffer)
				buffer = a.newBuffer()
			}
		case <-tick:
			if len(buffer) > 0 {
				a.flush(buffer)
				buffer = a.newBuffer()
			}
		case reply := <-a.flushReq:
			var pending []<-chan struct{}
			pending, buffer = a.drain(buffer)
			reply <- pending
		case <-a.shutdown:
			pending, _ := a.drain(buffer)
			a.logger.Debug("capture drained", slog.Int("batches", len(pending)))
			return
		}
	}
}

// drain moves everything in the inbox into batches and flushes them along
// with buffer, returning one completion channel per batch.
func (a *Actor) drain(buffer []transport.Event) ([]<-chan struct{}, []transport.Event) {
	var pending []<-chan struct{}
	for {
		select {
		case ev := <-a.inbox:
			buffer = append(buffer, ev)
			if len(buffer) >= a.cfg.MaxBatchSize {
				pending = append(pending, a.flush(buffer))
				buffer = a.newBuffer()
			}
			continue
		default:
		}
		break
	}
	if len(buffer) > 0 {
		pending = append(pending, a.flush(buffer))
		buffer = a.newBuffer()
	}
	return pending, buffer
}

func (a *Actor) newBuffer() []transport.Event {
	return make([]transport.Event, 0, min(a.cfg.MaxBatchSize, a.cfg.QueueSize))
}

// flush hands batch to a sender goroutine, waiting for a free slot first.
func (a *Actor) flush(batch []transport.Event) <-chan struct{} {
	sent := make(chan struct{})
	a.slots <- struct{}{}
	a.inflight.Add(1)
	go func() {
		defer close(sent)
		defer a.inflight.Done()
		defer func() { <-a.slots }()
		a.send(batch)
	}()
	return sent
}

func (a *Actor) send(batch []transport.Event) {
	ctx, span := a.tracer.Start(a.sendCtx, "beacon.flush")
	started := time.Now()

	// Unstamped events take the time they leave the queue; retries resend
	// the same stamp.
	sentAt := a.now().UTC()
	for i := range batch {
		if batch[i].Timestamp.IsZero() {
			batch[i].Timestamp = sentAt
		}
	}

	policy := a.cfg.Retry
	if policy.Retryable == nil {
		policy.Retryable = transport.IsRetryable
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		a.metrics.IncRetry("batch")
		a.logger.Debug("retrying batch",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.sender.SendBatch(ctx, batch, a.cfg.Historical)
	})

	a.metrics.RecordBatch(err == nil, time.Since(started))
	tracing.End(span, err, attribute.Int("beacon.batch_size", len(batch)))
	if err != nil {
		a.metrics.IncDropped("delivery_failed", len(batch))
		a.logger.Error("dropping batch after delivery failure",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Actor) prepare(ev transport.Event) (transport.Event, error) {
	if strings.TrimSpace(ev.Event) == "" {
		return ev, &ValidationError{Field: "event", Reason: "is required"}
	}
	if strings.TrimSpace(ev.DistinctID) == "" {
		return ev, &ValidationError{Field: "distinct_id", Reason: "is required"}
	}

	props := make(map[string]any, len(ev.Properties)+3)
	for k, v := range ev.Properties {
		props[k] = v
	}
	setDefault(props, "$lib", transport.LibraryName)
	setDefault(props, "$lib_version", transport.Version)
	if a.cfg.DisableGeoIP {
		setDefault(props, "$geoip_disable", true)
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return ev, &ValidationError{Field: "properties", Reason: "are not JSON encodable: " + err.Error()}
	}
	if len(encoded) > a.cfg.MaxEventBytes {
		return ev, &ValidationError{Field: "properties", Reason: "exceed the maximum event size"}
	}
	ev.Properties = props

	if ev.UUID == "" {
		ev.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(ev.UUID); err != nil {
		return ev, &ValidationError{Field: "uuid", Reason: "is not a valid UUID"}
	}
	return ev, nil
}

func setDefault(props map[string]any, key string, value any) {
	if _, ok := props[key]; !ok {
		props[key] = value
	}
}
