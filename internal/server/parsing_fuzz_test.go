package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func FuzzCaptureRequestEvents(f *testing.F) {
	f.Add(`{"event":"a","distinct_id":"u"}`)
	f.Add(`{"batch":[{"event":"a","distinct_id":"u"}]}`)
	f.Add(`{"batch":[]}`)
	f.Add(`{"event":"a","batch":[]}`)
	f.Add(`{"timestamp":"2026-01-02T03:04:05Z"}`)
	f.Add(`[]`)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/capture", strings.NewReader(body))
		var request captureRequest
		if err := decodeJSONBody(httptest.NewRecorder(), req, defaultMaxJSONBodyBytes, &request); err != nil {
			return
		}

		events, err := request.events()
		if err != nil {
			if !errors.Is(err, errMixedCapture) && !errors.Is(err, errEmptyBatch) {
				t.Fatalf("events() unexpected error %v", err)
			}
			return
		}
		if len(events) == 0 {
			t.Fatal("events() returned no events and no error")
		}
		if request.Batch != nil && len(events) != len(request.Batch) {
			t.Fatalf("events() = %d events, want %d", len(events), len(request.Batch))
		}
	})
}
