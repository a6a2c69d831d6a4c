// Package server exposes a beacon client over HTTP so that processes which
// cannot embed the Go SDK can capture events and evaluate flags through a
// local relay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/beacon"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/middleware"
)

const defaultMaxJSONBodyBytes = 1 << 20

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errMixedCapture     = errors.New("use either a single event or batch")
	errEmptyBatch       = errors.New("batch is empty")
)

type HTTPServer struct {
	client           Client
	maxJSONBodyBytes int64
}

// HTTPOption configures the relay handler.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies at n bytes. Non-positive values
// keep the 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// captureRequest is either one event or a {"batch": [...]} envelope.
type captureRequest struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`

	Batch []beacon.Event `json:"batch"`
}

func (r captureRequest) events() ([]beacon.Event, error) {
	if r.Batch == nil {
		return []beacon.Event{{
			UUID:       r.UUID,
			Event:      r.Event,
			DistinctID: r.DistinctID,
			Properties: r.Properties,
			Timestamp:  r.Timestamp,
		}}, nil
	}
	if r.UUID != "" || r.Event != "" || r.DistinctID != "" || r.Properties != nil || !r.Timestamp.IsZero() {
		return nil, errMixedCapture
	}
	if len(r.Batch) == 0 {
		return nil, errEmptyBatch
	}
	return r.Batch, nil
}

type captureResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type flagsResponse struct {
	Flags map[string]beacon.FlagResult `json:"flags"`
}

type healthResponse struct {
	Status          string         `json:"status"`
	LocalEvaluation bool           `json:"local_evaluation"`
	Snapshot        *beacon.Health `json:"snapshot,omitempty"`
	QueueDepth      int            `json:"queue_depth"`
}

// NewHTTPHandler returns the relay API. When m is non-nil, requests are
// counted per route and GET /metrics serves m's registry.
func NewHTTPHandler(client Client, m *metrics.Metrics, opts ...HTTPOption) http.Handler {
	if client == nil {
		panic("client is nil")
	}

	server := &HTTPServer{
		client:           client,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/capture", server.handleCapture)
	mux.HandleFunc("POST /v1/flags", server.handleAllFlags)
	mux.HandleFunc("POST /v1/flags/{key}", server.handleFlag)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m == nil {
		return mux
	}
	mux.Handle("GET /metrics", m.Handler())
	return middleware.HTTPMetrics(m)(mux)
}

func (s *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	var request captureRequest
	if err := decodeJSONBody(w, r, s.maxJSONBodyBytes, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	events, err := request.events()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := 0
	for idx, event := range events {
		if err := s.client.Capture(event); err != nil {
			status, message := captureErrorStatus(err)
			if len(events) > 1 && status == http.StatusBadRequest {
				message = fmt.Sprintf("batch[%d]: %s", idx, message)
			}
			if status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			writeJSON(w, status, captureResponse{Accepted: accepted, Error: message})
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, captureResponse{Accepted: accepted})
}

func (s *HTTPServer) handleAllFlags(w http.ResponseWriter, r *http.Request) {
	ectx, ok := s.decodeEvaluationContext(w, r)
	if !ok {
		return
	}

	results, err := s.client.GetAllFlagResults(r.Context(), ectx)
	if err != nil {
		writeFlagError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagsResponse{Flags: results})
}

func (s *HTTPServer) handleFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	ectx, ok := s.decodeEvaluationContext(w, r)
	if !ok {
		return
	}

	result, err := s.client.GetFeatureFlagResult(r.Context(), key, ectx)
	if err != nil {
		writeFlagError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) decodeEvaluationContext(w http.ResponseWriter, r *http.Request) (beacon.EvaluationContext, bool) {
	var ectx beacon.EvaluationContext
	if err := decodeJSONBody(w, r, s.maxJSONBodyBytes, &ectx); err != nil {
		writeJSONDecodeError(w, err)
		return ectx, false
	}
	if strings.TrimSpace(ectx.DistinctID) == "" {
		writeJSONError(w, http.StatusBadRequest, "distinct_id is required")
		return ectx, false
	}
	return ectx, true
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	response := healthResponse{
		Status:          "ok",
		LocalEvaluation: s.client.LocalEvaluation(),
		QueueDepth:      s.client.QueueDepth(),
	}
	status := http.StatusOK

	switch {
	case s.client.Disabled():
		response.Status = "disabled"
		status = http.StatusServiceUnavailable
	case response.LocalEvaluation:
		health := s.client.Health()
		response.Snapshot = &health
		if health.Stale {
			response.Status = "stale"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, response)
}

func captureErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, beacon.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, beacon.ErrQueueFull):
		return http.StatusServiceUnavailable, "capture queue full"
	case errors.Is(err, beacon.ErrClosed):
		return http.StatusServiceUnavailable, "client closed"
	case errors.Is(err, beacon.ErrDisabled):
		return http.StatusServiceUnavailable, "client disabled"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeFlagError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, beacon.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, "flag not found")
	case errors.Is(err, beacon.ErrNoSnapshot):
		writeJSONError(w, http.StatusServiceUnavailable, "flag definitions not loaded")
	case errors.Is(err, beacon.ErrInconclusive):
		writeJSONError(w, http.StatusUnprocessableEntity, "flag could not be evaluated locally")
	case errors.Is(err, beacon.ErrDisabled):
		writeJSONError(w, http.StatusServiceUnavailable, "client disabled")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
