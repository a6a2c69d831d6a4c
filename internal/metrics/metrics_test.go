package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	m.IncEnqueued()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncEnqueued()
	m.IncDropped("queue_full", 3)
	m.RecordBatch(true, time.Second)
	m.IncRetry("batch")
	m.RecordEvaluation("local", true)
	m.RecordFallback(false)
	m.RecordPoll("error")
	m.SetSnapshot(3, 10)
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.IncAuthFailure()
	m.IncRateLimited()
	m.SetProbe(fakeProbe{})
}

func TestRelayCounters(t *testing.T) {
	m := New()

	m.IncAuthFailure()
	m.IncAuthFailure()
	m.IncRateLimited()

	if v := testutil.ToFloat64(m.AuthFailuresTotal); v != 2 {
		t.Fatalf("expected 2 auth failures, got %v", v)
	}
	if v := testutil.ToFloat64(m.RateLimitedTotal); v != 1 {
		t.Fatalf("expected 1 rate-limited request, got %v", v)
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("local", true)
	m.RecordEvaluation("local", true)
	m.RecordEvaluation("remote", false)

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("local", "true")); v != 2 {
		t.Fatalf("expected local/true count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("remote", "false")); v != 1 {
		t.Fatalf("expected remote/false count 1, got %v", v)
	}
}

func TestRecordBatch(t *testing.T) {
	m := New()

	m.RecordBatch(true, 10*time.Millisecond)
	m.RecordBatch(false, time.Second)
	m.IncDropped("delivery_failed", 5)

	if v := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("success")); v != 1 {
		t.Fatalf("expected 1 successful batch, got %v", v)
	}
	if v := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("failure")); v != 1 {
		t.Fatalf("expected 1 failed batch, got %v", v)
	}
	if v := testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues("delivery_failed")); v != 5 {
		t.Fatalf("expected 5 dropped events, got %v", v)
	}
}

func TestSetSnapshot(t *testing.T) {
	m := New()

	m.SetSnapshot(7, 42)

	if v := testutil.ToFloat64(m.SnapshotVersion); v != 7 {
		t.Fatalf("expected version 7, got %v", v)
	}
	if v := testutil.ToFloat64(m.SnapshotFlags); v != 42 {
		t.Fatalf("expected 42 flags, got %v", v)
	}
}

type fakeProbe struct {
	depth int
	age   float64
	fresh bool
}

func (p fakeProbe) QueueDepth() int { return p.depth }

func (p fakeProbe) SnapshotAgeSeconds() (float64, bool) { return p.age, p.fresh }

func TestQueueGauges(t *testing.T) {
	m := New()

	count, err := testutil.GatherAndCount(m.Registry, "beacon_queue_depth", "beacon_snapshot_age_seconds")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no probe samples before SetProbe, got %d", count)
	}

	m.SetProbe(fakeProbe{depth: 12, age: 3.5, fresh: true})
	count, err = testutil.GatherAndCount(m.Registry, "beacon_queue_depth", "beacon_snapshot_age_seconds")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 probe samples, got %d", count)
	}
}

func TestQueueGaugesFollowLatestSource(t *testing.T) {
	m := New()
	m.SetProbe(fakeProbe{depth: 12})
	m.SetProbe(fakeProbe{depth: 3})

	want := `
# HELP beacon_queue_depth Number of events waiting in the capture queue.
# TYPE beacon_queue_depth gauge
beacon_queue_depth 3
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(want), "beacon_queue_depth"); err != nil {
		t.Fatalf("unexpected queue depth: %v", err)
	}

	m.SetProbe(nil)
	count, err := testutil.GatherAndCount(m.Registry, "beacon_queue_depth")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no samples after clearing the probe, got %d", count)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordPoll("updated")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), `beacon_polls_total{result="updated"} 1`) {
		t.Fatalf("expected poll counter in response, got:\n%s", body)
	}
}
