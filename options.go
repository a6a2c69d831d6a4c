package beacon

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type options struct {
	httpClient     Doer
	logger         *slog.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
}

// Option configures a Client's collaborators.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client. RequestTimeout is not
// applied to a client supplied this way.
func WithHTTPClient(doer Doer) Option {
	return func(o *options) { o.httpClient = doer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records client metrics into m and registers live queue and
// snapshot gauges on m.Registry.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}
