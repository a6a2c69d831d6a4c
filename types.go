package beacon

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/beacon/internal/capture"
	"github.com/matt-riley/beacon/internal/core"
	"github.com/matt-riley/beacon/internal/metrics"
	"github.com/matt-riley/beacon/internal/poller"
	"github.com/matt-riley/beacon/internal/service"
	"github.com/matt-riley/beacon/internal/transport"
)

type (
	// EvaluationContext identifies who a flag is evaluated for.
	EvaluationContext = core.EvaluationContext
	// FlagValue is disabled, enabled, or enabled with a variant.
	FlagValue      = core.FlagValue
	FlagDefinition = core.FlagDefinition
	ConditionGroup = core.ConditionGroup
	PropertyFilter = core.PropertyFilter
	Variant        = core.Variant
	Cohort         = core.Cohort
	Operator       = core.Operator

	// Event is one analytics event. UUID and Timestamp are filled in when
	// left empty.
	Event = transport.Event

	// Health reports how fresh the local flag definitions are.
	Health = poller.Health

	// FlagResult carries a flag's value, payload and where it was decided.
	FlagResult = service.Result

	// ValidationError is returned by Capture for events that can never be sent.
	ValidationError = capture.ValidationError

	// Doer is the HTTP capability the client sends requests through.
	Doer = transport.Doer

	// Metrics holds the client's Prometheus collectors.
	Metrics = metrics.Metrics
)

// NewMetrics creates client metrics in a fresh registry.
func NewMetrics() *Metrics {
	return metrics.New()
}

// Capturer queues analytics events for delivery.
type Capturer interface {
	Capture(ev Event) error
	Flush(ctx context.Context) error
}

// Evaluator answers feature flag questions for an evaluation context.
type Evaluator interface {
	IsEnabled(ctx context.Context, key string, ectx EvaluationContext) (bool, error)
	GetFeatureFlag(ctx context.Context, key string, ectx EvaluationContext) (FlagValue, error)
	GetAllFlags(ctx context.Context, ectx EvaluationContext) (map[string]FlagValue, error)
	GetFeatureFlagPayload(ctx context.Context, key string, ectx EvaluationContext) (json.RawMessage, error)
}

var (
	_ Capturer  = (*Client)(nil)
	_ Evaluator = (*Client)(nil)
)
