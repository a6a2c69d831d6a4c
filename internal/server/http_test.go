package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/beacon"
	"github.com/matt-riley/beacon/internal/metrics"
)

type fakeClient struct {
	captured []beacon.Event

	captureFunc func(ev beacon.Event) error
	getFlagFunc func(ctx context.Context, key string, ectx beacon.EvaluationContext) (beacon.FlagResult, error)
	getAllFunc  func(ctx context.Context, ectx beacon.EvaluationContext) (map[string]beacon.FlagResult, error)
	health      beacon.Health
	local       bool
	disabled    bool
	queueDepth  int
}

func (f *fakeClient) Capture(ev beacon.Event) error {
	if f.captureFunc != nil {
		if err := f.captureFunc(ev); err != nil {
			return err
		}
	}
	f.captured = append(f.captured, ev)
	return nil
}

func (f *fakeClient) GetFeatureFlagResult(ctx context.Context, key string, ectx beacon.EvaluationContext) (beacon.FlagResult, error) {
	if f.getFlagFunc == nil {
		return beacon.FlagResult{}, errors.New("unexpected GetFeatureFlagResult")
	}
	return f.getFlagFunc(ctx, key, ectx)
}

func (f *fakeClient) GetAllFlagResults(ctx context.Context, ectx beacon.EvaluationContext) (map[string]beacon.FlagResult, error) {
	if f.getAllFunc == nil {
		return nil, errors.New("unexpected GetAllFlagResults")
	}
	return f.getAllFunc(ctx, ectx)
}

func (f *fakeClient) Health() beacon.Health { return f.health }

func (f *fakeClient) LocalEvaluation() bool { return f.local }

func (f *fakeClient) QueueDepth() int { return f.queueDepth }

func (f *fakeClient) Disabled() bool { return f.disabled }

func serve(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var got T
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestHTTPHandlerCaptureSingleEvent(t *testing.T) {
	client := &fakeClient{}
	handler := NewHTTPHandler(client, nil)

	rec := serve(t, handler, http.MethodPost, "/v1/capture",
		`{"event":"signed_up","distinct_id":"user-1","properties":{"plan":"pro"},"timestamp":"2026-01-02T03:04:05Z"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if got := decodeBody[captureResponse](t, rec); got.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", got.Accepted)
	}
	if len(client.captured) != 1 {
		t.Fatalf("captured %d events, want 1", len(client.captured))
	}
	ev := client.captured[0]
	if ev.Event != "signed_up" || ev.DistinctID != "user-1" || ev.Properties["plan"] != "pro" {
		t.Fatalf("captured event = %+v", ev)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestHTTPHandlerCaptureBatch(t *testing.T) {
	client := &fakeClient{}
	handler := NewHTTPHandler(client, nil)

	rec := serve(t, handler, http.MethodPost, "/v1/capture",
		`{"batch":[{"event":"a","distinct_id":"u"},{"event":"b","distinct_id":"u"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := decodeBody[captureResponse](t, rec); got.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", got.Accepted)
	}
	if len(client.captured) != 2 || client.captured[1].Event != "b" {
		t.Fatalf("captured = %+v", client.captured)
	}
}

func TestHTTPHandlerCaptureRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"unknown field", `{"event":"a","distinct_id":"u","extra":1}`},
		{"mixed event and batch", `{"event":"a","batch":[{"event":"b","distinct_id":"u"}]}`},
		{"empty batch", `{"batch":[]}`},
		{"trailing object", `{"event":"a","distinct_id":"u"}{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			rec := serve(t, NewHTTPHandler(client, nil), http.MethodPost, "/v1/capture", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(client.captured) != 0 {
				t.Fatalf("captured %d events, want 0", len(client.captured))
			}
		})
	}
}

func TestHTTPHandlerCaptureBodyTooLarge(t *testing.T) {
	handler := NewHTTPHandler(&fakeClient{}, nil, WithMaxJSONBodySize(32))

	rec := serve(t, handler, http.MethodPost, "/v1/capture",
		`{"event":"a","distinct_id":"`+strings.Repeat("x", 64)+`"}`)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHTTPHandlerCaptureErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"validation", &beacon.ValidationError{Field: "distinct_id", Reason: "is required"}, http.StatusBadRequest, "batch[1]: invalid event: distinct_id is required"},
		{"queue full", beacon.ErrQueueFull, http.StatusServiceUnavailable, "capture queue full"},
		{"closed", beacon.ErrClosed, http.StatusServiceUnavailable, "client closed"},
		{"disabled", beacon.ErrDisabled, http.StatusServiceUnavailable, "client disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := &fakeClient{captureFunc: func(beacon.Event) error {
				calls++
				if calls == 2 {
					return tt.err
				}
				return nil
			}}

			rec := serve(t, NewHTTPHandler(client, nil), http.MethodPost, "/v1/capture",
				`{"batch":[{"event":"a","distinct_id":"u"},{"event":"b"},{"event":"c","distinct_id":"u"}]}`)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			got := decodeBody[captureResponse](t, rec)
			if got.Accepted != 1 {
				t.Fatalf("accepted = %d, want 1", got.Accepted)
			}
			if got.Error != tt.wantError {
				t.Fatalf("error = %q, want %q", got.Error, tt.wantError)
			}
			if tt.wantStatus == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header")
			}
		})
	}
}

func TestHTTPHandlerGetFlag(t *testing.T) {
	client := &fakeClient{
		getFlagFunc: func(_ context.Context, key string, ectx beacon.EvaluationContext) (beacon.FlagResult, error) {
			if key != "banner" {
				t.Errorf("key = %q, want banner", key)
			}
			if ectx.DistinctID != "user-1" || ectx.PersonProperties["plan"] != "pro" {
				t.Errorf("context = %+v", ectx)
			}
			return beacon.FlagResult{
				Key:     key,
				Value:   beacon.FlagValue{Enabled: true, Variant: "red"},
				Payload: json.RawMessage(`{"color":"red"}`),
				Source:  "local",
			}, nil
		},
	}

	rec := serve(t, NewHTTPHandler(client, nil), http.MethodPost, "/v1/flags/banner",
		`{"distinct_id":"user-1","person_properties":{"plan":"pro"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
	got := decodeBody[beacon.FlagResult](t, rec)
	if got.Key != "banner" || got.Value.Variant != "red" || got.Source != "local" {
		t.Fatalf("result = %+v", got)
	}
	if string(got.Payload) != `{"color":"red"}` {
		t.Fatalf("payload = %s", got.Payload)
	}
}

func TestHTTPHandlerGetFlagRequiresDistinctID(t *testing.T) {
	rec := serve(t, NewHTTPHandler(&fakeClient{}, nil), http.MethodPost, "/v1/flags/banner", `{"distinct_id":"  "}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerFlagErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", fmt.Errorf("%q: %w", "banner", beacon.ErrFlagNotFound), http.StatusNotFound},
		{"no snapshot", beacon.ErrNoSnapshot, http.StatusServiceUnavailable},
		{"inconclusive", fmt.Errorf("evaluate: %w", beacon.ErrInconclusive), http.StatusUnprocessableEntity},
		{"disabled", beacon.ErrDisabled, http.StatusServiceUnavailable},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"upstream", errors.New("dial tcp: connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{
				getFlagFunc: func(context.Context, string, beacon.EvaluationContext) (beacon.FlagResult, error) {
					return beacon.FlagResult{}, tt.err
				},
			}
			rec := serve(t, NewHTTPHandler(client, nil), http.MethodPost, "/v1/flags/banner", `{"distinct_id":"u"}`)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeBody[map[string]string](t, rec); got["error"] == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestHTTPHandlerGetAllFlags(t *testing.T) {
	client := &fakeClient{
		getAllFunc: func(_ context.Context, ectx beacon.EvaluationContext) (map[string]beacon.FlagResult, error) {
			if ectx.Groups["company"] != "acme" {
				t.Errorf("groups = %v", ectx.Groups)
			}
			return map[string]beacon.FlagResult{
				"checkout": {Key: "checkout", Value: beacon.FlagValue{Enabled: true}, Source: "local"},
				"pro-only": {Key: "pro-only", Source: "remote"},
			}, nil
		},
	}

	rec := serve(t, NewHTTPHandler(client, nil), http.MethodPost, "/v1/flags",
		`{"distinct_id":"u","groups":{"company":"acme"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	got := decodeBody[flagsResponse](t, rec)
	if len(got.Flags) != 2 {
		t.Fatalf("flags = %+v, want 2 entries", got.Flags)
	}
	if !got.Flags["checkout"].Value.Enabled || got.Flags["pro-only"].Value.Enabled {
		t.Fatalf("flags = %+v", got.Flags)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	tests := []struct {
		name       string
		client     *fakeClient
		wantStatus int
		wantBody   string
	}{
		{"remote only", &fakeClient{queueDepth: 3}, http.StatusOK, "ok"},
		{"fresh snapshot", &fakeClient{local: true, health: beacon.Health{Version: 4}}, http.StatusOK, "ok"},
		{"stale snapshot", &fakeClient{local: true, health: beacon.Health{Stale: true}}, http.StatusServiceUnavailable, "stale"},
		{"disabled", &fakeClient{disabled: true}, http.StatusServiceUnavailable, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, NewHTTPHandler(tt.client, nil), http.MethodGet, "/healthz", "")

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			got := decodeBody[healthResponse](t, rec)
			if got.Status != tt.wantBody {
				t.Fatalf("status field = %q, want %q", got.Status, tt.wantBody)
			}
			if got.QueueDepth != tt.client.queueDepth {
				t.Fatalf("queue_depth = %d, want %d", got.QueueDepth, tt.client.queueDepth)
			}
			if tt.client.local && got.Snapshot == nil {
				t.Fatal("expected snapshot health for local evaluation")
			}
		})
	}
}

func TestHTTPHandlerMetrics(t *testing.T) {
	m := metrics.New()
	handler := NewHTTPHandler(&fakeClient{}, m)

	serve(t, handler, http.MethodPost, "/v1/capture", `{"event":"a","distinct_id":"u"}`)
	serve(t, handler, http.MethodGet, "/healthz", "")

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "POST /v1/capture", "202")); got != 1 {
		t.Fatalf("capture requests = %v, want 1", got)
	}

	rec := serve(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `route="GET /healthz"`) {
		t.Fatalf("expected healthz route in metrics output, got:\n%s", rec.Body.String())
	}
}

func TestHTTPHandlerWithoutMetricsHasNoMetricsRoute(t *testing.T) {
	rec := serve(t, NewHTTPHandler(&fakeClient{}, nil), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestNewHTTPHandlerPanicsOnNilClient(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil client")
		}
	}()
	NewHTTPHandler(nil, nil)
}
