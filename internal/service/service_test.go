package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/beacon/internal/cache"
	"github.com/matt-riley/beacon/internal/core"
	"github.com/matt-riley/beacon/internal/logging"
	"github.com/matt-riley/beacon/internal/retry"
	"github.com/matt-riley/beacon/internal/transport"
)

type fakeRemote struct {
	mu     sync.Mutex
	calls  [][]string
	errs   []error
	result *transport.RemoteFlags
}

func (f *fakeRemote) EvaluateRemote(_ context.Context, _ core.EvaluationContext, keys []string, _ bool) (*transport.RemoteFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, keys)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.result, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func storeWith(flags ...core.FlagDefinition) *cache.Store {
	store := cache.NewStore()
	store.Publish(core.NewSnapshot(flags, nil, nil))
	return store
}

var (
	enabledFlag = core.FlagDefinition{
		Key:      "enabled",
		Active:   true,
		Groups:   []core.ConditionGroup{{}},
		Payloads: map[string]json.RawMessage{"true": json.RawMessage(`{"color":"blue"}`)},
	}
	needsEmail = core.FlagDefinition{
		Key:    "needs-email",
		Active: true,
		Groups: []core.ConditionGroup{{
			Filters: []core.PropertyFilter{{Key: "email", Operator: core.OperatorIContains, Value: "@example.com"}},
		}},
	}
	userCtx = core.EvaluationContext{DistinctID: "user-1"}
)

func remoteWith(values map[string]core.FlagValue) *fakeRemote {
	return &fakeRemote{result: &transport.RemoteFlags{
		Values:   values,
		Payloads: map[string]json.RawMessage{},
	}}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newService(t *testing.T, source SnapshotSource, remote RemoteEvaluator, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithRetryPolicy(fastPolicy())}, opts...)
	svc, err := New(source, remote, opts...)
	require.NoError(t, err)
	return svc
}

func TestNewRequiresASource(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestGetLocalWithPayload(t *testing.T) {
	remote := remoteWith(nil)
	svc := newService(t, storeWith(enabledFlag), remote)

	result, err := svc.Get(context.Background(), "enabled", userCtx)
	require.NoError(t, err)
	assert.Equal(t, core.FlagValue{Enabled: true}, result.Value)
	assert.Equal(t, SourceLocal, result.Source)
	assert.JSONEq(t, `{"color":"blue"}`, string(result.Payload))
	assert.Zero(t, remote.callCount())
}

func TestGetFallsBackWhenInconclusive(t *testing.T) {
	remote := remoteWith(map[string]core.FlagValue{"needs-email": {Enabled: true, Variant: "test"}})
	svc := newService(t, storeWith(needsEmail), remote)

	result, err := svc.Get(context.Background(), "needs-email", userCtx)
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, result.Source)
	assert.Equal(t, "test", result.Value.Variant)
	require.Equal(t, 1, remote.callCount())
	assert.Equal(t, []string{"needs-email"}, remote.calls[0])
}

func TestGetFallsBackForUnknownFlag(t *testing.T) {
	remote := remoteWith(map[string]core.FlagValue{"server-only": {Enabled: true}})
	svc := newService(t, storeWith(enabledFlag), remote)

	enabled, err := svc.IsEnabled(context.Background(), "server-only", userCtx)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = svc.Get(context.Background(), "nowhere", userCtx)
	assert.ErrorIs(t, err, ErrFlagNotFound)
}

func TestGetWithoutFallback(t *testing.T) {
	t.Run("inconclusive is an error", func(t *testing.T) {
		svc := newService(t, storeWith(needsEmail), nil)
		_, err := svc.Get(context.Background(), "needs-email", userCtx)
		assert.True(t, core.IsInconclusive(err))
	})

	t.Run("only local ignores the remote", func(t *testing.T) {
		remote := remoteWith(map[string]core.FlagValue{"needs-email": {Enabled: true}})
		svc := newService(t, storeWith(needsEmail), remote, WithOnlyLocal())
		_, err := svc.Get(context.Background(), "needs-email", userCtx)
		assert.ErrorIs(t, err, core.ErrInconclusive)
		assert.Zero(t, remote.callCount())
	})

	t.Run("unknown flag", func(t *testing.T) {
		svc := newService(t, storeWith(enabledFlag), nil)
		_, err := svc.Get(context.Background(), "missing", userCtx)
		assert.ErrorIs(t, err, ErrFlagNotFound)
	})

	t.Run("nothing loaded yet", func(t *testing.T) {
		svc := newService(t, cache.NewStore(), nil)
		_, err := svc.Get(context.Background(), "enabled", userCtx)
		assert.ErrorIs(t, err, ErrNoSnapshot)

		_, err = svc.GetAll(context.Background(), userCtx)
		assert.ErrorIs(t, err, ErrNoSnapshot)
	})
}

func TestGetRetriesRemote(t *testing.T) {
	remote := remoteWith(map[string]core.FlagValue{"needs-email": {Enabled: true}})
	remote.errs = []error{&transport.APIError{StatusCode: http.StatusBadGateway}}
	svc := newService(t, storeWith(needsEmail), remote)

	enabled, err := svc.IsEnabled(context.Background(), "needs-email", userCtx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, 2, remote.callCount())
}

func TestGetRemoteTerminalError(t *testing.T) {
	remote := remoteWith(nil)
	remote.errs = []error{&transport.APIError{StatusCode: http.StatusUnauthorized}}
	svc := newService(t, storeWith(needsEmail), remote)

	_, err := svc.Get(context.Background(), "needs-email", userCtx)
	var apiErr *transport.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 1, remote.callCount())
}

func TestGetAllSingleFallbackRequest(t *testing.T) {
	alsoNeedsEmail := needsEmail
	alsoNeedsEmail.Key = "also-needs-email"
	remote := remoteWith(map[string]core.FlagValue{
		"needs-email":      {Enabled: true},
		"also-needs-email": {Enabled: false},
	})
	svc := newService(t, storeWith(enabledFlag, needsEmail, alsoNeedsEmail), remote)

	results, err := svc.GetAll(context.Background(), userCtx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, SourceLocal, results["enabled"].Source)
	assert.Equal(t, SourceRemote, results["needs-email"].Source)
	assert.True(t, results["needs-email"].Value.Enabled)
	assert.False(t, results["also-needs-email"].Value.Enabled)

	require.Equal(t, 1, remote.callCount())
	assert.Equal(t, []string{"also-needs-email", "needs-email"}, remote.calls[0])
}

func TestGetAllWithPartialRemoteResults(t *testing.T) {
	alsoNeedsEmail := needsEmail
	alsoNeedsEmail.Key = "also-needs-email"
	remote := remoteWith(map[string]core.FlagValue{"needs-email": {Enabled: true}})
	remote.result.Partial = true
	var logs bytes.Buffer
	svc := newService(t, storeWith(enabledFlag, needsEmail, alsoNeedsEmail), remote,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	results, err := svc.GetAll(context.Background(), userCtx)
	require.NoError(t, err)
	assert.Contains(t, results, "enabled")
	assert.True(t, results["needs-email"].Value.Enabled)
	assert.NotContains(t, results, "also-needs-email")
	assert.Contains(t, logs.String(), "partial results")
}

func TestGetAllOmitsInconclusiveWithoutFallback(t *testing.T) {
	svc := newService(t, storeWith(enabledFlag, needsEmail), nil)

	results, err := svc.GetAll(context.Background(), userCtx)
	require.NoError(t, err)
	assert.Contains(t, results, "enabled")
	assert.NotContains(t, results, "needs-email")
}

func TestGetAllKeepsLocalResultsWhenRemoteFails(t *testing.T) {
	remote := remoteWith(nil)
	remote.errs = []error{&transport.APIError{StatusCode: http.StatusForbidden}}
	svc := newService(t, storeWith(enabledFlag, needsEmail), remote)

	results, err := svc.GetAll(context.Background(), userCtx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Contains(t, results, "enabled")
}

func TestGetAllRemoteOnly(t *testing.T) {
	remote := remoteWith(map[string]core.FlagValue{"a": {Enabled: true}, "b": {}})
	remote.result.Payloads["a"] = json.RawMessage(`1`)
	svc := newService(t, nil, remote)

	results, err := svc.GetAll(context.Background(), userCtx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `1`, string(results["a"].Payload))
	assert.Nil(t, remote.calls[0])
}

func TestCallReporterDeduplicates(t *testing.T) {
	var calls []Call
	svc := newService(t, storeWith(enabledFlag), nil, WithCallReporter(func(c Call) {
		calls = append(calls, c)
	}))

	for range 3 {
		_, err := svc.Get(context.Background(), "enabled", userCtx)
		require.NoError(t, err)
	}
	_, err := svc.Get(context.Background(), "enabled", core.EvaluationContext{DistinctID: "user-2"})
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, "user-1", calls[0].DistinctID)
	assert.Equal(t, "enabled", calls[0].Key)
	assert.True(t, calls[0].Result.Value.Enabled)
	assert.Equal(t, "user-2", calls[1].DistinctID)
}

type gatedRemote struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRemote) EvaluateRemote(ctx context.Context, _ core.EvaluationContext, _ []string, _ bool) (*transport.RemoteFlags, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
	}
	return &transport.RemoteFlags{Values: map[string]core.FlagValue{"needs-email": {Enabled: true}}}, nil
}

func TestGetSharedRequestSurvivesCancelledCaller(t *testing.T) {
	remote := &gatedRemote{started: make(chan struct{}), release: make(chan struct{})}
	svc := newService(t, storeWith(needsEmail), remote)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.Get(leaderCtx, "needs-email", userCtx)
		leaderErr <- err
	}()
	<-remote.started

	type outcome struct {
		result Result
		err    error
	}
	follower := make(chan outcome, 1)
	go func() {
		result, err := svc.Get(context.Background(), "needs-email", userCtx)
		follower <- outcome{result, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(remote.release)
	select {
	case got := <-follower:
		require.NoError(t, got.err)
		assert.True(t, got.result.Value.Enabled)
		assert.Equal(t, SourceRemote, got.result.Source)
	case <-time.After(time.Second):
		t.Fatal("follower did not return")
	}
}
