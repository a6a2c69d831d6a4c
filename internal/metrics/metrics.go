// Package metrics provides Prometheus instrumentation for the beacon client
// and relay.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that embedding applications keep control of their own
// /metrics output. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by beacon.
type Metrics struct {
	Registry *prometheus.Registry

	EventsEnqueuedTotal prometheus.Counter
	EventsDroppedTotal  *prometheus.CounterVec
	BatchesTotal        *prometheus.CounterVec
	FlushDuration       prometheus.Histogram
	RetriesTotal        *prometheus.CounterVec
	EvaluationsTotal    *prometheus.CounterVec
	RemoteFallbackTotal *prometheus.CounterVec
	PollsTotal          *prometheus.CounterVec
	SnapshotVersion     prometheus.Gauge
	SnapshotFlags       prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
	RateLimitedTotal    prometheus.Counter

	probe *probeCollector
}

// New creates and registers all beacon metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		probe:    newProbeCollector(),

		EventsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_events_enqueued_total",
			Help: "Total number of events accepted into the capture queue.",
		}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_dropped_total",
			Help: "Total number of events dropped before delivery.",
		}, []string{"reason"}),

		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_batches_total",
			Help: "Total number of batch deliveries by outcome.",
		}, []string{"result"}),

		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_flush_duration_seconds",
			Help:    "Time taken to deliver one batch, retries included.",
			Buckets: prometheus.DefBuckets,
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_retries_total",
			Help: "Total number of retried outbound requests.",
		}, []string{"operation"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"source", "result"}),

		RemoteFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_remote_fallback_total",
			Help: "Total number of remote evaluation requests by outcome.",
		}, []string{"result"}),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_polls_total",
			Help: "Total number of definition polls by outcome.",
		}, []string{"result"}),

		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_snapshot_version",
			Help: "Version of the live definition snapshot.",
		}),

		SnapshotFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_snapshot_flags",
			Help: "Number of flags in the live definition snapshot.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of relay HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "Relay HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_auth_failures_total",
			Help: "Total number of relay requests rejected for a missing or invalid token.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_rate_limited_total",
			Help: "Total number of relay requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.EventsEnqueuedTotal,
		m.EventsDroppedTotal,
		m.BatchesTotal,
		m.FlushDuration,
		m.RetriesTotal,
		m.EvaluationsTotal,
		m.RemoteFallbackTotal,
		m.PollsTotal,
		m.SnapshotVersion,
		m.SnapshotFlags,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthFailuresTotal,
		m.RateLimitedTotal,
		m.probe,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.EventsEnqueuedTotal.Inc()
}

// IncDropped records n events lost for reason (queue_full, invalid,
// delivery_failed, shutdown).
func (m *Metrics) IncDropped(reason string, n int) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordBatch records the outcome and duration of one batch delivery.
func (m *Metrics) RecordBatch(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

// RecordEvaluation counts one flag evaluation. source is "local" or "remote".
func (m *Metrics) RecordEvaluation(source string, enabled bool) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(source, strconv.FormatBool(enabled)).Inc()
}

func (m *Metrics) RecordFallback(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.RemoteFallbackTotal.WithLabelValues(result).Inc()
}

// RecordPoll counts one poll; result is "updated", "not_modified" or "error".
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
}

// SetSnapshot updates the gauges describing the live snapshot.
func (m *Metrics) SetSnapshot(version uint64, flags int) {
	if m == nil {
		return
	}
	m.SnapshotVersion.Set(float64(version))
	m.SnapshotFlags.Set(float64(flags))
}

// RecordHTTPRequest records one relay request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

func (m *Metrics) IncAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
