// Package service answers flag questions for the client. It evaluates against
// the cached definitions first and only asks the server when the local answer
// is inconclusive or no definitions are available.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/beacon/internal/core"
	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/retry"
	"github.com/matt-riley/beacon/internal/tracing"
	"github.com/matt-riley/beacon/internal/transport"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"

	maxReportedCalls = 50_000

	// sharedRemoteTimeout bounds a remote request once it no longer belongs
	// to any single caller.
	sharedRemoteTimeout = time.Minute
)

var (
	ErrFlagNotFound = errors.New("flag not found")
	ErrNoSnapshot   = errors.New("no flag definitions loaded")
)

// SnapshotSource yields the live definitions, or nil before the first load.
type SnapshotSource interface {
	Load() *core.Snapshot
}

type RemoteEvaluator interface {
	EvaluateRemote(ctx context.Context, ectx core.EvaluationContext, keys []string, disableGeoIP bool) (*transport.RemoteFlags, error)
}

type Result struct {
	Key     string          `json:"key"`
	Value   core.FlagValue  `json:"value"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  string          `json:"source"`
}

// Call describes a single flag lookup, reported once per distinct id, flag
// and value.
type Call struct {
	Key        string
	DistinctID string
	Groups     map[string]string
	Result     Result
}

type Service struct {
	source       SnapshotSource
	remote       RemoteEvaluator
	policy       retry.Policy
	onlyLocal    bool
	disableGeoIP bool
	onCall       func(Call)

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	group   singleflight.Group

	reportedMu sync.Mutex
	reported   map[string]struct{}
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.Component(logger, "flags") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tracing.Tracer(tp) }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithOnlyLocal never calls the server; inconclusive flags become errors.
func WithOnlyLocal() Option {
	return func(s *Service) { s.onlyLocal = true }
}

func WithDisableGeoIP(disable bool) Option {
	return func(s *Service) { s.disableGeoIP = disable }
}

// WithCallReporter registers fn to hear about flag lookups made through Get.
func WithCallReporter(fn func(Call)) Option {
	return func(s *Service) { s.onCall = fn }
}

// New builds a Service. Either source or remote may be nil, but not both.
func New(source SnapshotSource, remote RemoteEvaluator, opts ...Option) (*Service, error) {
	if source == nil && remote == nil {
		return nil, errors.New("service needs a snapshot source or a remote evaluator")
	}
	s := &Service{
		source:   source,
		remote:   remote,
		policy:   retry.DefaultPolicy(),
		logger:   logging.Component(nil, "flags"),
		tracer:   tracing.Tracer(nil),
		reported: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Retryable == nil {
		s.policy.Retryable = transport.IsRetryable
	}
	return s, nil
}

func (s *Service) canFallback() bool {
	return s.remote != nil && !s.onlyLocal
}

func (s *Service) snapshot() *core.Snapshot {
	if s.source == nil {
		return nil
	}
	return s.source.Load()
}

// Get resolves one flag.
func (s *Service) Get(ctx context.Context, key string, ectx core.EvaluationContext) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "beacon.flag.get")
	result, err := s.get(ctx, key, ectx)
	tracing.End(span, err,
		attribute.String("beacon.flag", key),
		attribute.String("beacon.source", result.Source),
	)
	if err != nil {
		return Result{}, err
	}
	s.metrics.RecordEvaluation(result.Source, result.Value.Enabled)
	s.reportCall(key, ectx, result)
	return result, nil
}

func (s *Service) get(ctx context.Context, key string, ectx core.EvaluationContext) (Result, error) {
	snap := s.snapshot()
	var localErr error
	if snap != nil {
		flag, ok := snap.Flag(key)
		if !ok && !s.canFallback() {
			return Result{Key: key}, fmt.Errorf("%q: %w", key, ErrFlagNotFound)
		}
		if ok {
			value, err := core.Evaluate(snap, key, ectx)
			if err == nil {
				return Result{
					Key:     key,
					Value:   value,
					Payload: flag.Payloads[value.PayloadKey()],
					Source:  SourceLocal,
				}, nil
			}
			if !core.IsInconclusive(err) {
				return Result{Key: key}, fmt.Errorf("evaluate %q: %w", key, err)
			}
			localErr = err
		}
	}

	if !s.canFallback() {
		if localErr != nil {
			return Result{Key: key}, fmt.Errorf("evaluate %q: %w", key, localErr)
		}
		return Result{Key: key}, ErrNoSnapshot
	}

	s.logger.Debug("falling back to remote evaluation",
		slog.String("flag", key),
		slog.Any("reason", localErr),
	)
	remote, err := s.evaluateRemote(ctx, ectx, []string{key})
	if err != nil {
		return Result{Key: key}, fmt.Errorf("remote evaluation of %q: %w", key, err)
	}
	value, ok := remote.Values[key]
	if !ok {
		return Result{Key: key}, fmt.Errorf("%q: %w", key, ErrFlagNotFound)
	}
	return Result{
		Key:     key,
		Value:   value,
		Payload: remote.Payloads[key],
		Source:  SourceRemote,
	}, nil
}

// IsEnabled reports whether the flag is on for ectx, with or without a variant.
func (s *Service) IsEnabled(ctx context.Context, key string, ectx core.EvaluationContext) (bool, error) {
	result, err := s.Get(ctx, key, ectx)
	if err != nil {
		return false, err
	}
	return result.Value.Enabled, nil
}

// GetPayload returns the payload attached to the flag's current value, or
// nil when it has none.
func (s *Service) GetPayload(ctx context.Context, key string, ectx core.EvaluationContext) (json.RawMessage, error) {
	result, err := s.Get(ctx, key, ectx)
	if err != nil {
		return nil, err
	}
	return result.Payload, nil
}

// GetAll resolves every known flag. Flags that are inconclusive locally are
// fetched in a single remote request; if that is not possible they are left
// out of the result.
func (s *Service) GetAll(ctx context.Context, ectx core.EvaluationContext) (map[string]Result, error) {
	ctx, span := s.tracer.Start(ctx, "beacon.flag.get_all")
	results, err := s.getAll(ctx, ectx)
	tracing.End(span, err, attribute.Int("beacon.flags", len(results)))
	return results, err
}

func (s *Service) getAll(ctx context.Context, ectx core.EvaluationContext) (map[string]Result, error) {
	snap := s.snapshot()
	if snap == nil {
		if !s.canFallback() {
			return nil, ErrNoSnapshot
		}
		remote, err := s.evaluateRemote(ctx, ectx, nil)
		if err != nil {
			return nil, fmt.Errorf("remote evaluation: %w", err)
		}
		results := make(map[string]Result, len(remote.Values))
		for key, value := range remote.Values {
			results[key] = Result{Key: key, Value: value, Payload: remote.Payloads[key], Source: SourceRemote}
			s.metrics.RecordEvaluation(SourceRemote, value.Enabled)
		}
		return results, nil
	}

	values, failures := core.EvaluateAll(snap, ectx)
	results := make(map[string]Result, len(values)+len(failures))
	for key, value := range values {
		flag, _ := snap.Flag(key)
		results[key] = Result{Key: key, Value: value, Payload: flag.Payloads[value.PayloadKey()], Source: SourceLocal}
		s.metrics.RecordEvaluation(SourceLocal, value.Enabled)
	}
	if len(failures) == 0 {
		return results, nil
	}
	if !s.canFallback() {
		s.logger.Debug("omitting inconclusive flags", slog.Int("flags", len(failures)))
		return results, nil
	}

	keys := make([]string, 0, len(failures))
	for key := range failures {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	remote, err := s.evaluateRemote(ctx, ectx, keys)
	if err != nil {
		s.logger.Warn("remote evaluation failed, omitting inconclusive flags",
			slog.Int("flags", len(keys)),
			slog.String("error", err.Error()),
		)
		return results, nil
	}
	for _, key := range keys {
		value, ok := remote.Values[key]
		if !ok {
			continue
		}
		results[key] = Result{Key: key, Value: value, Payload: remote.Payloads[key], Source: SourceRemote}
		s.metrics.RecordEvaluation(SourceRemote, value.Enabled)
	}
	return results, nil
}

type remoteRequest struct {
	Context core.EvaluationContext `json:"context"`
	Keys    []string               `json:"keys,omitempty"`
}

// evaluateRemote shares one in-flight request between callers asking the
// same question. The request runs detached from any caller's context, so a
// caller that gives up does not fail the others waiting on it.
func (s *Service) evaluateRemote(ctx context.Context, ectx core.EvaluationContext, keys []string) (*transport.RemoteFlags, error) {
	id, err := json.Marshal(remoteRequest{Context: ectx, Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("encode evaluation context: %w", err)
	}

	ch := s.group.DoChan(string(id), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRemoteTimeout)
		defer cancel()

		policy := s.policy
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			s.metrics.IncRetry("flags")
			s.logger.Debug("retrying remote evaluation",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}
		remote, err := retry.Do(shared, policy, func(ctx context.Context) (*transport.RemoteFlags, error) {
			return s.remote.EvaluateRemote(ctx, ectx, keys, s.disableGeoIP)
		})
		s.metrics.RecordFallback(err == nil)
		return remote, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	remote := res.Val.(*transport.RemoteFlags)
	if remote.QuotaLimited {
		s.logger.Warn("remote evaluation is quota limited")
	}
	if remote.Partial {
		s.logger.Warn("remote evaluation returned partial results, some flags failed on the server")
	}
	return remote, nil
}

func (s *Service) reportCall(key string, ectx core.EvaluationContext, result Result) {
	if s.onCall == nil {
		return
	}
	id := fmt.Sprintf("%s\x00%s\x00%v", ectx.DistinctID, key, result.Value.Value())

	s.reportedMu.Lock()
	_, seen := s.reported[id]
	if !seen {
		if len(s.reported) >= maxReportedCalls {
			clear(s.reported)
		}
		s.reported[id] = struct{}{}
	}
	s.reportedMu.Unlock()

	if !seen {
		s.onCall(Call{Key: key, DistinctID: ectx.DistinctID, Groups: ectx.Groups, Result: result})
	}
}
