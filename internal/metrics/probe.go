package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Probe exposes live client state that is read on every scrape rather than
// pushed on change.
type Probe interface {
	QueueDepth() int
	SnapshotAgeSeconds() (float64, bool)
}

type probeSource struct {
	probe Probe
}

// probeCollector is registered once per Metrics. The probe it reads can be
// replaced, so a Metrics may outlive the client that first used it.
type probeCollector struct {
	source atomic.Pointer[probeSource]

	queueDepth  *prometheus.Desc
	snapshotAge *prometheus.Desc
}

func newProbeCollector() *probeCollector {
	return &probeCollector{
		queueDepth: prometheus.NewDesc(
			"beacon_queue_depth",
			"Number of events waiting in the capture queue.",
			nil, nil,
		),
		snapshotAge: prometheus.NewDesc(
			"beacon_snapshot_age_seconds",
			"Seconds since the live definition snapshot was last confirmed fresh.",
			nil, nil,
		),
	}
}

// SetProbe makes the probe gauges report probe. The most recent call wins;
// a nil probe stops the gauges from reporting.
func (m *Metrics) SetProbe(probe Probe) {
	if m == nil {
		return
	}
	if probe == nil {
		m.probe.source.Store(nil)
		return
	}
	m.probe.source.Store(&probeSource{probe: probe})
}

func (c *probeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.snapshotAge
}

func (c *probeCollector) Collect(ch chan<- prometheus.Metric) {
	src := c.source.Load()
	if src == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(src.probe.QueueDepth()))
	if age, ok := src.probe.SnapshotAgeSeconds(); ok {
		ch <- prometheus.MustNewConstMetric(c.snapshotAge, prometheus.GaugeValue, age)
	}
}
